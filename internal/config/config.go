// Package config loads service settings from DEXSYNC_* environment
// variables and the network book from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration.
type Config struct {
	// Ledger
	RPCURL        string
	PrivateKey    string // hex, no 0x prefix required
	Simulated     bool   // run against an in-memory ledger instead of RPCURL
	SimChainID    uint64 // chain id the in-memory ledger reports
	ReadOnly      bool   // serve queries only; no signing key needed
	Confirmations uint64
	RPCRate       float64
	RPCBurst      int
	PollInterval  time.Duration

	// Network book
	NetworkBookPath string

	// Reconciler
	PageSize               uint64
	MaxBatch               int
	LRUCapacity            int
	RefreshWallets         bool
	MaxResubscribeInterval time.Duration

	// Lifecycle
	AwaitTimeout time.Duration

	// Optional downstreams; empty disables them.
	PostgresURL string
	NATSURL     string

	ProjectionBuffer int
	RelayBuffer      int
	MigrationsDir    string

	// gRPC/HTTP/Metrics
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		RPCURL:                 envOrDefault("DEXSYNC_RPC_URL", "ws://127.0.0.1:8545"),
		PrivateKey:             envOrDefault("DEXSYNC_PRIVATE_KEY", ""),
		Simulated:              envBoolOrDefault("DEXSYNC_SIMULATED", false),
		SimChainID:             uint64(envIntOrDefault("DEXSYNC_SIM_CHAIN_ID", 31337)),
		ReadOnly:               envBoolOrDefault("DEXSYNC_READ_ONLY", false),
		Confirmations:          uint64(envIntOrDefault("DEXSYNC_CONFIRMATIONS", 1)),
		RPCRate:                envFloatOrDefault("DEXSYNC_RPC_RATE", 20),
		RPCBurst:               envIntOrDefault("DEXSYNC_RPC_BURST", 40),
		PollInterval:           envDurationOrDefault("DEXSYNC_POLL_INTERVAL", 2*time.Second),
		NetworkBookPath:        envOrDefault("DEXSYNC_NETWORK_BOOK", "configs/networks.yaml"),
		PageSize:               uint64(envIntOrDefault("DEXSYNC_PAGE_SIZE", 5000)),
		MaxBatch:               envIntOrDefault("DEXSYNC_MAX_BATCH", 256),
		LRUCapacity:            envIntOrDefault("DEXSYNC_IDEMPOTENCY_LRU_CAPACITY", 100_000),
		RefreshWallets:         envBoolOrDefault("DEXSYNC_REFRESH_WALLETS", true),
		MaxResubscribeInterval: envDurationOrDefault("DEXSYNC_MAX_RESUBSCRIBE_INTERVAL", 30*time.Second),
		AwaitTimeout:           envDurationOrDefault("DEXSYNC_AWAIT_TIMEOUT", 2*time.Minute),
		PostgresURL:            envOrDefault("DEXSYNC_POSTGRES_DSN", ""),
		NATSURL:                envOrDefault("DEXSYNC_NATS_URL", ""),
		ProjectionBuffer:       envIntOrDefault("DEXSYNC_PROJECTION_BUFFER", 256),
		RelayBuffer:            envIntOrDefault("DEXSYNC_RELAY_BUFFER", 4096),
		MigrationsDir:          envOrDefault("DEXSYNC_MIGRATIONS_DIR", "migrations"),
		GRPCAddr:               envOrDefault("DEXSYNC_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("DEXSYNC_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("DEXSYNC_METRICS_ADDR", ":9091"),
	}
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	if !c.Simulated && !c.ReadOnly && c.PrivateKey == "" {
		return fmt.Errorf("DEXSYNC_PRIVATE_KEY is required unless DEXSYNC_SIMULATED or DEXSYNC_READ_ONLY is set")
	}
	if c.PageSize == 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.AwaitTimeout <= 0 {
		return fmt.Errorf("await timeout must be positive")
	}
	return nil
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return b
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return d
}
