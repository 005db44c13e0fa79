package discovery

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/value"
)

// Entry is one discovered account in the output artifact.
type Entry struct {
	Type              string            `json:"type"`
	Address           string            `json:"address"`
	Name              string            `json:"name,omitempty"`
	ProxyType         string            `json:"proxyType,omitempty"`
	Implementations   []string          `json:"implementations,omitempty"`
	Values            value.Map         `json:"values,omitempty"`
	Errors            map[string]string `json:"errors,omitempty"`
	IgnoreInWatchMode []string          `json:"ignoreInWatchMode,omitempty"`
	SourceHashes      []string          `json:"sourceHashes,omitempty"`
	Roles             []string          `json:"roles,omitempty"`
}

// Output is the artifact of one discovery run: a pure function of
// (config, block, chain state), diff-able across runs.
type Output struct {
	Name    string  `json:"name"`
	Chain   string  `json:"chain"`
	Block   uint64  `json:"block"`
	Entries []Entry `json:"entries"`
}

// Materialize shapes sorted analyses into the output artifact. The input is
// expected in address order (Discover returns it that way).
func Materialize(cfg *config.Structure, block uint64, analyses []*Analysis) *Output {
	out := &Output{
		Name:    cfg.Name,
		Chain:   cfg.Chain,
		Block:   block,
		Entries: make([]Entry, 0, len(analyses)),
	}
	for _, a := range analyses {
		entry := Entry{
			Type:              a.Type,
			Address:           lowerHex(a.Address),
			Name:              a.Name,
			ProxyType:         a.ProxyType,
			IgnoreInWatchMode: a.IgnoreInWatchMode,
			Roles:             a.Roles,
		}
		for _, impl := range a.Implementations {
			entry.Implementations = append(entry.Implementations, lowerHex(impl))
		}
		if len(a.Values) > 0 {
			entry.Values = value.Map(a.Values)
		}
		if len(a.Errors) > 0 {
			entry.Errors = a.Errors
		}
		for _, h := range a.SourceHashes {
			entry.SourceHashes = append(entry.SourceHashes, strings.ToLower(h.Hex()))
		}
		out.Entries = append(out.Entries, entry)
	}
	return out
}

// Marshal renders the artifact. Entries arrive sorted by address and every
// map marshals with sorted keys, so equal runs produce identical bytes.
func (o *Output) Marshal() ([]byte, error) {
	raw, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
