package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/base/discovery-engine/internal/config"
)

// ErrCycle marks a cycle in template extends chains. Fatal at load.
var ErrCycle = errors.New("template cycle")

// Criteria restricts a template to specific addresses or chains.
type Criteria struct {
	Addresses []string `json:"addresses,omitempty"`
	Chains    []string `json:"chains,omitempty"`
}

func (c *Criteria) matchesAddress(addr common.Address) bool {
	for _, a := range c.Addresses {
		if common.HexToAddress(a) == addr {
			return true
		}
	}
	return false
}

func (c *Criteria) matchesChain(chain string) bool {
	for _, ch := range c.Chains {
		if strings.EqualFold(ch, chain) {
			return true
		}
	}
	return false
}

// Template is a reusable bundle of handler configuration keyed by source
// shape.
type Template struct {
	ID       string
	Config   *config.Contract
	Shapes   []common.Hash
	Criteria *Criteria
}

// Service owns the immutable template bundle for one process lifetime.
type Service struct {
	templates map[string]*Template
	hashIndex map[common.Hash][]string
}

// NewService recursively loads a template bundle directory. Each template
// subdirectory holds template.jsonc (required) plus optional shapes.json and
// criteria.json; the template id is the directory path relative to dir.
func NewService(dir string) (*Service, error) {
	s := &Service{
		templates: map[string]*Template{},
		hashIndex: map[common.Hash][]string{},
	}
	if dir == "" {
		return s, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "template.jsonc" {
			return nil
		}
		rel, err := filepath.Rel(dir, filepath.Dir(path))
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		tmpl, err := loadTemplate(id, filepath.Dir(path))
		if err != nil {
			return err
		}
		s.templates[id] = tmpl
		for _, h := range tmpl.Shapes {
			s.hashIndex[h] = append(s.hashIndex[h], id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Resolve every extends chain up front so cycles fail the load, not the
	// first matching contract.
	for id := range s.templates {
		if _, err := s.Resolve(id); err != nil {
			return nil, err
		}
	}
	for h := range s.hashIndex {
		sort.Strings(s.hashIndex[h])
	}
	return s, nil
}

func loadTemplate(id, dir string) (*Template, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "template.jsonc"))
	if err != nil {
		return nil, fmt.Errorf("%w: template %s: %v", config.ErrConfig, id, err)
	}
	stripped := config.StripJSONC(raw)
	if err := config.CheckDuplicateKeys(stripped); err != nil {
		return nil, fmt.Errorf("template %s: %w", id, err)
	}
	var body config.Contract
	if err := json.Unmarshal(stripped, &body); err != nil {
		return nil, fmt.Errorf("%w: template %s: %v", config.ErrConfig, id, err)
	}
	if err := body.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", id, err)
	}
	tmpl := &Template{ID: id, Config: &body}

	if raw, err := os.ReadFile(filepath.Join(dir, "shapes.json")); err == nil {
		var hashes []string
		if err := json.Unmarshal(raw, &hashes); err != nil {
			return nil, fmt.Errorf("%w: template %s shapes: %v", config.ErrConfig, id, err)
		}
		for _, h := range hashes {
			tmpl.Shapes = append(tmpl.Shapes, common.HexToHash(h))
		}
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "criteria.json")); err == nil {
		var crit Criteria
		if err := json.Unmarshal(raw, &crit); err != nil {
			return nil, fmt.Errorf("%w: template %s criteria: %v", config.ErrConfig, id, err)
		}
		tmpl.Criteria = &crit
	}
	return tmpl, nil
}

// Get returns a template by id.
func (s *Service) Get(id string) (*Template, bool) {
	t, ok := s.templates[id]
	return t, ok
}

// FindMatching picks the single best template for a contract, or nil.
// Scoring: +2 per matching shape hash, +10 for a satisfied addresses
// criterion, +5 for a satisfied chains criterion, +1 when hinted. Ties break
// to the lexicographically smallest id so the choice is deterministic.
func (s *Service) FindMatching(sourceHashes []common.Hash, addr common.Address, chain string, hints []string) *Template {
	hinted := map[string]bool{}
	candidates := map[string]bool{}
	for _, h := range sourceHashes {
		for _, id := range s.hashIndex[h] {
			candidates[id] = true
		}
	}
	for _, id := range hints {
		if _, ok := s.templates[id]; ok {
			candidates[id] = true
			hinted[id] = true
		}
	}

	bestID := ""
	bestScore := -1
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tmpl := s.templates[id]
		score := 0
		if crit := tmpl.Criteria; crit != nil {
			if len(crit.Addresses) > 0 {
				if !crit.matchesAddress(addr) {
					continue
				}
				score += 10
			}
			if len(crit.Chains) > 0 {
				if !crit.matchesChain(chain) {
					continue
				}
				score += 5
			}
		}
		for _, shape := range tmpl.Shapes {
			for _, h := range sourceHashes {
				if shape == h {
					score += 2
				}
			}
		}
		if hinted[id] {
			score++
		}
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	if bestID == "" {
		return nil
	}
	return s.templates[bestID]
}

// Resolve flattens a template's extends chain, child winning per key.
// A cycle is a fatal configuration error.
func (s *Service) Resolve(id string) (*config.Contract, error) {
	return s.resolve(id, map[string]bool{})
}

func (s *Service) resolve(id string, visiting map[string]bool) (*config.Contract, error) {
	if visiting[id] {
		return nil, fmt.Errorf("%w: through template %q", ErrCycle, id)
	}
	tmpl, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", config.ErrConfig, id)
	}
	if tmpl.Config.Extends == "" {
		return tmpl.Config, nil
	}
	visiting[id] = true
	parent, err := s.resolve(tmpl.Config.Extends, visiting)
	if err != nil {
		return nil, err
	}
	delete(visiting, id)
	merged := config.Merge(parent, tmpl.Config)
	merged.Extends = ""
	return merged, nil
}
