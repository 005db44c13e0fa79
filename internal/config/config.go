package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrConfig marks fatal configuration problems: schema violations, invalid
// addresses, duplicate keys, import cycles.
var ErrConfig = errors.New("config error")

const DefaultMaxAddresses = 100

// SlotExpr is a storage slot expression: a single atom or a list whose first
// element is the base slot and whose remaining elements are mapping keys.
type SlotExpr []*big.Int

func (s *SlotExpr) UnmarshalJSON(raw []byte) error {
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		atoms := make(SlotExpr, 0, len(list))
		for _, e := range list {
			atom, err := parseSlotAtom(e)
			if err != nil {
				return err
			}
			atoms = append(atoms, atom)
		}
		*s = atoms
		return nil
	}
	var scalar interface{}
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return err
	}
	atom, err := parseSlotAtom(scalar)
	if err != nil {
		return err
	}
	*s = SlotExpr{atom}
	return nil
}

func (s SlotExpr) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0].String())
	}
	out := make([]string, len(s))
	for i, a := range s {
		out[i] = a.String()
	}
	return json.Marshal(out)
}

func parseSlotAtom(e interface{}) (*big.Int, error) {
	switch t := e.(type) {
	case float64:
		if t != float64(int64(t)) || t < 0 {
			return nil, fmt.Errorf("%w: invalid slot atom %v", ErrConfig, t)
		}
		return big.NewInt(int64(t)), nil
	case string:
		if strings.HasPrefix(t, "0x") {
			return new(big.Int).SetBytes(common.FromHex(t)), nil
		}
		x, ok := new(big.Int).SetString(t, 10)
		if !ok {
			return nil, fmt.Errorf("%w: invalid slot atom %q", ErrConfig, t)
		}
		return x, nil
	default:
		return nil, fmt.Errorf("%w: invalid slot atom %T", ErrConfig, e)
	}
}

// HandlerDefinition is the declarative form of one field extractor. Which
// attributes are meaningful depends on Type; the executor validates per kind.
type HandlerDefinition struct {
	Type string `json:"type"`

	// storage
	Slot   SlotExpr `json:"slot,omitempty"`
	Offset int64    `json:"offset,omitempty"`

	// call and array
	Method     string        `json:"method,omitempty"`
	Args       []interface{} `json:"args,omitempty"`
	StartIndex int64         `json:"startIndex,omitempty"`
	Length     int64         `json:"length,omitempty"`

	// accessControl
	RoleNames       map[string]string `json:"roleNames,omitempty"`
	PickRoleMembers string            `json:"pickRoleMembers,omitempty"`

	// stateFromEvent and eventCount
	Event        string   `json:"event,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	ReturnParams []string `json:"returnParams,omitempty"`

	// hardcoded
	Value interface{} `json:"value,omitempty"`

	ReturnType string `json:"returnType,omitempty"`
}

// Field declares one extractable field. Handler and Copy are mutually
// exclusive; Edit is an optional post-transform expression.
type Field struct {
	Handler  *HandlerDefinition `json:"handler,omitempty"`
	Copy     string             `json:"copy,omitempty"`
	Template string             `json:"template,omitempty"`
	Edit     string             `json:"edit,omitempty"`
}

// Contract is a per-address override or a template body.
type Contract struct {
	Extends             string                     `json:"extends,omitempty"`
	CanActIndependently *bool                      `json:"canActIndependently,omitempty"`
	IgnoreDiscovery     *bool                      `json:"ignoreDiscovery,omitempty"`
	ProxyType           string                     `json:"proxyType,omitempty"`
	IgnoreInWatchMode   []string                   `json:"ignoreInWatchMode,omitempty"`
	IgnoreMethods       []string                   `json:"ignoreMethods,omitempty"`
	IgnoreRelatives     []string                   `json:"ignoreRelatives,omitempty"`
	Fields              map[string]Field           `json:"fields,omitempty"`
	Methods             map[string]string          `json:"methods,omitempty"`
	ManualSourcePaths   map[string]string          `json:"manualSourcePaths,omitempty"`
	Types               map[string]json.RawMessage `json:"types,omitempty"`

	// Unknown keys, preserved across parse and serialize.
	Extras map[string]json.RawMessage `json:"-"`
}

// ShouldIgnoreDiscovery resolves the tri-state flag to its default.
func (c *Contract) ShouldIgnoreDiscovery() bool {
	return c != nil && c.IgnoreDiscovery != nil && *c.IgnoreDiscovery
}

// IgnoresRelative reports whether the named field's harvested addresses are
// pruned from discovery.
func (c *Contract) IgnoresRelative(field string) bool {
	if c == nil {
		return false
	}
	for _, f := range c.IgnoreRelatives {
		if f == field {
			return true
		}
	}
	return false
}

var contractKnownKeys = map[string]bool{
	"extends": true, "canActIndependently": true, "ignoreDiscovery": true,
	"proxyType": true, "ignoreInWatchMode": true, "ignoreMethods": true,
	"ignoreRelatives": true, "fields": true, "methods": true,
	"manualSourcePaths": true, "types": true,
}

func (c *Contract) UnmarshalJSON(raw []byte) error {
	type plain Contract
	var p plain
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for k := range all {
		if contractKnownKeys[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		p.Extras = all
	}
	*c = Contract(p)
	return nil
}

func (c Contract) MarshalJSON() ([]byte, error) {
	type plain Contract
	base, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extras) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extras {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Structure is the project root configuration.
type Structure struct {
	Name             string                     `json:"name"`
	Chain            string                     `json:"chain"`
	Archived         bool                       `json:"archived,omitempty"`
	InitialAddresses []string                   `json:"initialAddresses"`
	Import           string                     `json:"import,omitempty"`
	MaxAddresses     int                        `json:"maxAddresses,omitempty"`
	MaxDepth         *int                       `json:"maxDepth,omitempty"`
	Overrides        map[string]*Contract       `json:"overrides,omitempty"`
	SharedModules    []string                   `json:"sharedModules,omitempty"`
	Types            map[string]json.RawMessage `json:"types,omitempty"`

	Extras map[string]json.RawMessage `json:"-"`
}

var structureKnownKeys = map[string]bool{
	"name": true, "chain": true, "archived": true, "initialAddresses": true,
	"import": true, "maxAddresses": true, "maxDepth": true, "overrides": true,
	"sharedModules": true, "types": true,
}

func (s *Structure) UnmarshalJSON(raw []byte) error {
	type plain Structure
	var p plain
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for k := range all {
		if structureKnownKeys[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		p.Extras = all
	}
	*s = Structure(p)
	return nil
}

func (s Structure) MarshalJSON() ([]byte, error) {
	type plain Structure
	base, err := json.Marshal(plain(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extras) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extras {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Override returns the override for addr, or nil.
func (s *Structure) Override(addr common.Address) *Contract {
	for k, c := range s.Overrides {
		if common.HexToAddress(k) == addr {
			return c
		}
	}
	return nil
}

// Seeds returns the initial addresses as parsed addresses.
func (s *Structure) Seeds() []common.Address {
	out := make([]common.Address, 0, len(s.InitialAddresses))
	for _, a := range s.InitialAddresses {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

// Unbounded depth is represented by a nil MaxDepth.
func (s *Structure) DepthAllowed(depth int) bool {
	return s.MaxDepth == nil || depth <= *s.MaxDepth
}

// Load reads, validates and resolves a structure config from path. Imports
// are resolved relative to the importing file; the importer wins per key.
func Load(path string) (*Structure, error) {
	return loadStructure(path, map[string]bool{})
}

func loadStructure(path string, visiting map[string]bool) (*Structure, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, fmt.Errorf("%w: import cycle through %s", ErrConfig, path)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	stripped := StripJSONC(raw)
	if err := CheckDuplicateKeys(stripped); err != nil {
		if !errors.Is(err, ErrConfig) {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return nil, err
	}
	var s Structure
	if err := json.Unmarshal(stripped, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if s.Import != "" {
		imported, err := loadStructure(filepath.Join(filepath.Dir(path), s.Import), visiting)
		if err != nil {
			return nil, err
		}
		if s.Overrides == nil {
			s.Overrides = map[string]*Contract{}
		}
		for k, c := range imported.Overrides {
			if _, ok := s.Overrides[k]; !ok {
				s.Overrides[k] = c
			}
		}
	}
	if s.MaxAddresses == 0 {
		s.MaxAddresses = DefaultMaxAddresses
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces the structural invariants of a config.
func (s *Structure) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name must be non-empty", ErrConfig)
	}
	if s.Chain == "" {
		return fmt.Errorf("%w: chain must be non-empty", ErrConfig)
	}
	if s.MaxAddresses < 1 {
		return fmt.Errorf("%w: maxAddresses must be >= 1", ErrConfig)
	}
	for _, a := range s.InitialAddresses {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("%w: invalid initial address %q", ErrConfig, a)
		}
	}
	for k, c := range s.Overrides {
		if !common.IsHexAddress(k) {
			return fmt.Errorf("%w: invalid override address %q", ErrConfig, k)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// handlerTypes is the closed set of extractor kinds. New kinds are
// compile-time additions, not plugins.
var handlerTypes = map[string]bool{
	"storage": true, "call": true, "array": true, "accessControl": true,
	"arbitrumDAC": true, "stateFromEvent": true, "eventCount": true,
	"hardcoded": true, "constructorArgs": true,
}

// Validate enforces per-contract invariants.
func (c *Contract) Validate() error {
	if c == nil {
		return nil
	}
	for name, f := range c.Fields {
		if f.Handler != nil && f.Copy != "" {
			return fmt.Errorf("%w: field %q declares both handler and copy", ErrConfig, name)
		}
		if f.Handler != nil && !handlerTypes[f.Handler.Type] {
			return fmt.Errorf("%w: field %q has unknown handler type %q", ErrConfig, name, f.Handler.Type)
		}
	}
	return nil
}
