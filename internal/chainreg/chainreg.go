package chainreg

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

//go:embed chains.yaml
var embeddedChains []byte

type chainYAML struct {
	ChainID        int64    `yaml:"chain-id"`
	EtherscanURL   string   `yaml:"etherscan-url"`
	SafeSingletons []string `yaml:"safe-singletons"`
}

type registryYAML struct {
	Chains map[string]chainYAML `yaml:"chains"`
}

// Chain describes one supported network.
type Chain struct {
	Name           string
	ChainID        int64
	EtherscanURL   string
	SafeSingletons []common.Address
}

// IsSafeSingleton reports whether addr is a known Gnosis Safe master copy on
// this chain.
func (c *Chain) IsSafeSingleton(addr common.Address) bool {
	for _, s := range c.SafeSingletons {
		if s == addr {
			return true
		}
	}
	return false
}

func load() (map[string]*Chain, error) {
	var raw registryYAML
	if err := yaml.Unmarshal(embeddedChains, &raw); err != nil {
		return nil, fmt.Errorf("error parsing embedded chain registry: %w", err)
	}
	out := make(map[string]*Chain, len(raw.Chains))
	for name, c := range raw.Chains {
		chain := &Chain{Name: name, ChainID: c.ChainID, EtherscanURL: c.EtherscanURL}
		for _, s := range c.SafeSingletons {
			chain.SafeSingletons = append(chain.SafeSingletons, common.HexToAddress(s))
		}
		out[name] = chain
	}
	return out, nil
}

// ByName looks a chain up in the embedded registry.
func ByName(name string) (*Chain, error) {
	chains, err := load()
	if err != nil {
		return nil, err
	}
	chain, ok := chains[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", name)
	}
	return chain, nil
}
