package discovery

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/base/discovery-engine/internal/value"
)

const (
	TypeEOA      = "EOA"
	TypeContract = "Contract"
)

// Analysis is the per-address result record. One is produced for every
// discovered address and lives for the duration of a run.
type Analysis struct {
	Type    string
	Address common.Address

	// Contract-only attributes.
	Name              string
	ProxyType         string
	Implementations   []common.Address
	Values            map[string]value.Value
	Errors            map[string]string
	Relatives         []common.Address
	IgnoreInWatchMode []string
	TemplateID        string
	SourceHashes      []common.Hash

	// Roles an EOA was granted, when known from context.
	Roles []string

	// Template hints for addresses this analysis discovered. Internal to the
	// BFS; never serialized.
	Hints map[common.Address][]string
}
