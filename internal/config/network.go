package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Token is a listed token. Label is the book's name for it; the on-ledger
// symbol is read separately.
type Token struct {
	Label   string
	Address common.Address
}

// Network is the deployment on one chain.
type Network struct {
	ChainID      uint64
	Name         string
	Exchange     common.Address
	GenesisBlock uint64
	Tokens       []Token // sorted by label

	marketBase  string
	marketQuote string
}

// Token looks a listed token up by label.
func (n Network) Token(label string) (Token, bool) {
	for _, t := range n.Tokens {
		if t.Label == label {
			return t, true
		}
	}
	return Token{}, false
}

// Market returns the configured trading pair, if any.
func (n Network) Market() (base, quote common.Address, ok bool) {
	if n.marketBase == "" {
		return common.Address{}, common.Address{}, false
	}
	b, _ := n.Token(n.marketBase)
	q, _ := n.Token(n.marketQuote)
	return b.Address, q.Address, true
}

// NetworkBook maps chain ids to deployments.
type NetworkBook map[uint64]Network

// Lookup returns the deployment for chainID.
func (b NetworkBook) Lookup(chainID uint64) (Network, error) {
	n, ok := b[chainID]
	if !ok {
		return Network{}, fmt.Errorf("no deployment configured for chain %d", chainID)
	}
	return n, nil
}

type networkBookYAML struct {
	Networks map[string]networkYAML `yaml:"networks"`
}

type networkYAML struct {
	Name         string            `yaml:"name"`
	Exchange     string            `yaml:"exchange"`
	GenesisBlock uint64            `yaml:"genesis_block"`
	Tokens       map[string]string `yaml:"tokens"`
	Market       *struct {
		Base  string `yaml:"base"`
		Quote string `yaml:"quote"`
	} `yaml:"market"`
}

// LoadNetworkBook reads the YAML network book at path.
func LoadNetworkBook(path string) (NetworkBook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open network book: %w", err)
	}
	defer f.Close()
	return ParseNetworkBook(f)
}

func ParseNetworkBook(r io.Reader) (NetworkBook, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read network book: %w", err)
	}
	var raw networkBookYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal network book: %w", err)
	}

	book := make(NetworkBook, len(raw.Networks))
	for key, nw := range raw.Networks {
		chainID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("network %q: chain id must be an integer", key)
		}
		n, err := nw.build(chainID)
		if err != nil {
			return nil, fmt.Errorf("network %d: %w", chainID, err)
		}
		book[chainID] = n
	}
	return book, nil
}

func (nw networkYAML) build(chainID uint64) (Network, error) {
	n := Network{ChainID: chainID, Name: nw.Name, GenesisBlock: nw.GenesisBlock}

	exchange, err := parseAddress(nw.Exchange)
	if err != nil {
		return Network{}, fmt.Errorf("exchange: %w", err)
	}
	n.Exchange = exchange

	for label, addr := range nw.Tokens {
		a, err := parseAddress(addr)
		if err != nil {
			return Network{}, fmt.Errorf("token %s: %w", label, err)
		}
		n.Tokens = append(n.Tokens, Token{Label: label, Address: a})
	}
	sort.Slice(n.Tokens, func(i, j int) bool { return n.Tokens[i].Label < n.Tokens[j].Label })

	if nw.Market != nil {
		if _, ok := n.Token(nw.Market.Base); !ok {
			return Network{}, fmt.Errorf("market base %q is not a listed token", nw.Market.Base)
		}
		if _, ok := n.Token(nw.Market.Quote); !ok {
			return Network{}, fmt.Errorf("market quote %q is not a listed token", nw.Market.Quote)
		}
		if nw.Market.Base == nw.Market.Quote {
			return Network{}, fmt.Errorf("market base and quote are both %q", nw.Market.Base)
		}
		n.marketBase, n.marketQuote = nw.Market.Base, nw.Market.Quote
	}
	return n, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
