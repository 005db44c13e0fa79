package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/logging"
)

// Engine runs the breadth-first traversal over the address graph. All
// engine state is touched only between levels; within a level the analyzer
// fan-out shares only a mutex-guarded map of results.
type Engine struct {
	analyzer *Analyzer
	cfg      *config.Structure

	// CapExceeded reports whether any relative was dropped because of
	// maxAddresses. Valid after Discover returns.
	CapExceeded bool
}

func NewEngine(analyzer *Analyzer, cfg *config.Structure) *Engine {
	return &Engine{analyzer: analyzer, cfg: cfg}
}

type frontierEntry struct {
	hints map[string]bool
	depth int
}

// Discover walks the graph from the configured seeds and returns every
// analysis, sorted by address ascending.
func (e *Engine) Discover(ctx context.Context) ([]*Analysis, error) {
	resolved := map[common.Address]*Analysis{}
	toAnalyze := map[common.Address]*frontierEntry{}

	for _, seed := range e.cfg.Seeds() {
		if len(resolved)+len(toAnalyze) >= e.cfg.MaxAddresses {
			e.warnCap(seed)
			continue
		}
		if _, ok := toAnalyze[seed]; !ok {
			toAnalyze[seed] = &frontierEntry{hints: map[string]bool{}, depth: 0}
		}
	}

	level := 0
	for len(toAnalyze) > 0 {
		frontier := toAnalyze
		toAnalyze = map[common.Address]*frontierEntry{}

		logging.Logger().Info("analyzing level", "depth", level, "addresses", len(frontier))

		results := make(map[common.Address]*Analysis, len(frontier))
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for addr, entry := range frontier {
			addr, entry := addr, entry
			g.Go(func() error {
				analysis, err := e.analyzer.Analyze(gctx, addr, sortedHints(entry.hints), entry.depth)
				if err != nil {
					return err
				}
				mu.Lock()
				results[addr] = analysis
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Store results, then enqueue relatives. Addresses are visited in
		// sorted order so cap pressure drops the same relatives every run.
		addrs := make([]common.Address, 0, len(results))
		for addr := range results {
			addrs = append(addrs, addr)
		}
		sortAddresses(addrs)
		for _, addr := range addrs {
			resolved[addr] = results[addr]
		}
		for _, addr := range addrs {
			analysis := results[addr]
			depth := frontier[addr].depth
			for _, r := range analysis.Relatives {
				if _, ok := resolved[r]; ok {
					continue
				}
				if entry, ok := toAnalyze[r]; ok {
					// Coalesce within the level, merging hints.
					for _, h := range analysis.Hints[r] {
						entry.hints[h] = true
					}
					continue
				}
				if !e.cfg.DepthAllowed(depth + 1) {
					continue
				}
				if len(resolved)+len(toAnalyze) >= e.cfg.MaxAddresses {
					e.warnCap(r)
					continue
				}
				entry := &frontierEntry{hints: map[string]bool{}, depth: depth + 1}
				for _, h := range analysis.Hints[r] {
					entry.hints[h] = true
				}
				toAnalyze[r] = entry
			}
		}
		level++
	}

	out := make([]*Analysis, 0, len(resolved))
	for _, analysis := range resolved {
		out = append(out, analysis)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Address.Hex()) < strings.ToLower(out[j].Address.Hex())
	})
	logging.Logger().Info("discovery finished", "addresses", len(out), "levels", level)
	return out, nil
}

func (e *Engine) warnCap(dropped common.Address) {
	e.CapExceeded = true
	logging.Logger().Warn("maxAddresses reached, dropping relative",
		"address", strings.ToLower(dropped.Hex()), "maxAddresses", e.cfg.MaxAddresses)
}

func sortedHints(hints map[string]bool) []string {
	out := make([]string, 0, len(hints))
	for h := range hints {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return strings.ToLower(addrs[i].Hex()) < strings.ToLower(addrs[j].Hex())
	})
}
