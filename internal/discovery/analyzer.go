package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/handlers"
	"github.com/base/discovery-engine/internal/logging"
	"github.com/base/discovery-engine/internal/provider"
	"github.com/base/discovery-engine/internal/proxy"
	"github.com/base/discovery-engine/internal/source"
	"github.com/base/discovery-engine/internal/template"
	"github.com/base/discovery-engine/internal/value"
)

// Analyzer orchestrates all per-address work: classification, proxy
// detection, source fetch, template selection and handler execution.
type Analyzer struct {
	provider  provider.Provider
	sources   source.Service
	proxies   *proxy.Detector
	templates *template.Service
	cfg       *config.Structure
}

func NewAnalyzer(p provider.Provider, sources source.Service, proxies *proxy.Detector, templates *template.Service, cfg *config.Structure) *Analyzer {
	return &Analyzer{provider: p, sources: sources, proxies: proxies, templates: templates, cfg: cfg}
}

// Analyze produces the Analysis for one address. RPC failures surface as
// per-field errors inside the record; only infrastructure faults (context
// cancellation, broken invariants) return a non-nil error.
func (a *Analyzer) Analyze(ctx context.Context, addr common.Address, hints []string, depth int) (*Analysis, error) {
	code, err := a.provider.GetCode(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Analysis{
			Type:    TypeContract,
			Address: addr,
			Errors:  map[string]string{"$code": fmt.Sprintf("ProviderError: %v", err)},
		}, nil
	}
	if len(code) == 0 {
		return &Analysis{Type: TypeEOA, Address: addr}, nil
	}

	analysis := &Analysis{
		Type:    TypeContract,
		Address: addr,
		Values:  map[string]value.Value{},
		Errors:  map[string]string{},
	}
	override := a.cfg.Override(addr)

	manualProxy := ""
	if override != nil {
		manualProxy = override.ProxyType
	}
	det, err := a.proxies.Detect(ctx, a.provider, addr, manualProxy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		analysis.Errors["$proxy"] = fmt.Sprintf("ProviderError: %v", err)
		det = &proxy.Detection{ProxyType: proxy.TypeImmutable, Values: map[string]value.Value{}}
	}
	analysis.ProxyType = det.ProxyType
	analysis.Implementations = det.Implementations

	rec, err := a.sources.Fetch(ctx, addr, det.Implementations)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Logger().Warn("source fetch failed",
			"address", strings.ToLower(addr.Hex()), "err", err)
		rec = &source.Record{}
	}
	analysis.SourceHashes = rec.SourceHashes
	if len(rec.Names) > 0 {
		analysis.Name = rec.Names[len(rec.Names)-1]
	}

	effective := override
	if tmpl := a.templates.FindMatching(rec.SourceHashes, addr, a.cfg.Chain, hints); tmpl != nil {
		analysis.TemplateID = tmpl.ID
		resolved, err := a.templates.Resolve(tmpl.ID)
		if err != nil {
			return nil, err
		}
		effective = config.Merge(resolved, override)
	}
	if effective != nil {
		analysis.IgnoreInWatchMode = effective.IgnoreInWatchMode
	}

	for k, v := range det.Values {
		if effective.IgnoresRelative(k) {
			continue
		}
		analysis.Values[k] = v
	}

	if effective.ShouldIgnoreDiscovery() {
		return analysis, nil
	}

	res := handlers.Execute(ctx, a.provider, addr, rec, effective)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	for k, v := range res.Values {
		analysis.Values[k] = v
	}
	for k, e := range res.Errors {
		analysis.Errors[k] = e
	}
	analysis.Hints = res.Hints

	analysis.Relatives = a.collectRelatives(addr, det, res, effective)
	return analysis, nil
}

// collectRelatives unions proxy relatives, handler relatives and
// implementations, minus pruned fields and the address itself. Sorted so the
// frontier is deterministic.
func (a *Analyzer) collectRelatives(addr common.Address, det *proxy.Detection, res *handlers.Result, effective *config.Contract) []common.Address {
	seen := map[common.Address]bool{addr: true}
	var out []common.Address
	add := func(r common.Address) {
		if r != (common.Address{}) && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}

	// Proxy values are keyed like fields ($admin, $beacon...), so
	// ignoreRelatives can prune them by name.
	proxyKeys := make([]string, 0, len(det.Values))
	for k := range det.Values {
		proxyKeys = append(proxyKeys, k)
	}
	sort.Strings(proxyKeys)
	for _, k := range proxyKeys {
		if effective.IgnoresRelative(k) {
			continue
		}
		for _, r := range value.Addresses(det.Values[k]) {
			add(r)
		}
	}
	for _, r := range res.Relatives {
		add(r)
	}
	for _, r := range det.Implementations {
		add(r)
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Hex()) < strings.ToLower(out[j].Hex())
	})
	return out
}
