package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("DEXSYNC_PAGE_SIZE", "250")
	t.Setenv("DEXSYNC_AWAIT_TIMEOUT", "45s")
	t.Setenv("DEXSYNC_SIMULATED", "true")
	t.Setenv("DEXSYNC_RPC_RATE", "not-a-number")

	cfg := DefaultConfig()
	assert.Equal(t, uint64(250), cfg.PageSize)
	assert.Equal(t, 45*time.Second, cfg.AwaitTimeout)
	assert.True(t, cfg.Simulated)
	assert.Equal(t, 20.0, cfg.RPCRate, "unparseable values fall back to the default")
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresKeyForLiveLedger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulated = false
	cfg.PrivateKey = ""
	assert.Error(t, cfg.Validate())

	cfg.ReadOnly = true
	assert.NoError(t, cfg.Validate())
}

const book = `
networks:
  "31337":
    name: localhost
    exchange: "0xDc64a140Aa3E981100a9becA4E685f962f0cF6C9"
    tokens:
      mETH: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
      UZR: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    market:
      base: UZR
      quote: mETH
`

func TestParseNetworkBook(t *testing.T) {
	nb, err := ParseNetworkBook(strings.NewReader(book))
	require.NoError(t, err)

	n, err := nb.Lookup(31337)
	require.NoError(t, err)
	assert.Equal(t, "localhost", n.Name)
	assert.Equal(t, common.HexToAddress("0xDc64a140Aa3E981100a9becA4E685f962f0cF6C9"), n.Exchange)
	require.Len(t, n.Tokens, 2)
	assert.Equal(t, "UZR", n.Tokens[0].Label)

	base, quote, ok := n.Market()
	require.True(t, ok)
	assert.Equal(t, n.Tokens[0].Address, base)
	assert.Equal(t, n.Tokens[1].Address, quote)

	_, err = nb.Lookup(1)
	assert.Error(t, err)
}

func TestParseNetworkBookRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"chain id": `
networks:
  mainnet:
    exchange: "0xDc64a140Aa3E981100a9becA4E685f962f0cF6C9"
`,
		"exchange address": `
networks:
  "1":
    exchange: "0x123"
`,
		"unlisted market token": `
networks:
  "1":
    exchange: "0xDc64a140Aa3E981100a9becA4E685f962f0cF6C9"
    tokens:
      UZR: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    market:
      base: UZR
      quote: mDAI
`,
	}
	for name, doc := range cases {
		_, err := ParseNetworkBook(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}
