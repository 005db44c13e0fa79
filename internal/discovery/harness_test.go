package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/base/discovery-engine/internal/chainreg"
	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/logging"
	"github.com/base/discovery-engine/internal/proxy"
	"github.com/base/discovery-engine/internal/source"
	"github.com/base/discovery-engine/internal/template"
)

func init() {
	logging.DiscardLogging()
}

// fakeProvider serves canned chain state for engine tests.
type fakeProvider struct {
	code    map[common.Address][]byte
	storage map[common.Address]map[common.Hash]common.Hash
	calls   map[string][]byte
	logs    map[common.Address][]types.Log
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		code:    map[common.Address][]byte{},
		storage: map[common.Address]map[common.Hash]common.Hash{},
		calls:   map[string][]byte{},
		logs:    map[common.Address][]types.Log{},
	}
}

func (f *fakeProvider) setContract(addr common.Address) {
	f.code[addr] = []byte{0x60, 0x80}
}

func (f *fakeProvider) setStorage(addr common.Address, slot, val common.Hash) {
	if f.storage[addr] == nil {
		f.storage[addr] = map[common.Hash]common.Hash{}
	}
	f.storage[addr][slot] = val
}

func (f *fakeProvider) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeProvider) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return f.storage[addr][slot], nil
}

func (f *fakeProvider) Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	if ret, ok := f.calls[addr.Hex()+common.Bytes2Hex(data)]; ok {
		return ret, nil
	}
	return nil, fmt.Errorf("execution reverted")
}

func (f *fakeProvider) GetLogs(ctx context.Context, addr common.Address, topics [][]common.Hash) ([]types.Log, error) {
	var out []types.Log
	for _, log := range f.logs[addr] {
		if len(topics) == 0 || len(topics[0]) == 0 {
			out = append(out, log)
			continue
		}
		for _, topic := range topics[0] {
			if len(log.Topics) > 0 && log.Topics[0] == topic {
				out = append(out, log)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeProvider) BlockNumber() uint64 { return 19_000_000 }

// fakeSources hands out canned source records; everything else is treated as
// unverified.
type fakeSources struct {
	recs map[common.Address]*source.Record
}

func (f *fakeSources) Fetch(ctx context.Context, addr common.Address, impls []common.Address) (*source.Record, error) {
	if rec, ok := f.recs[addr]; ok {
		return rec, nil
	}
	return &source.Record{}, nil
}

type harness struct {
	provider *fakeProvider
	sources  *fakeSources
	cfg      *config.Structure
	engine   *Engine
}

func newHarness(t *testing.T, cfg *config.Structure, prov *fakeProvider, templatesDir string) *harness {
	t.Helper()
	if cfg.MaxAddresses == 0 {
		cfg.MaxAddresses = config.DefaultMaxAddresses
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	chain, err := chainreg.ByName(cfg.Chain)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	templates, err := template.NewService(templatesDir)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	sources := &fakeSources{recs: map[common.Address]*source.Record{}}
	analyzer := NewAnalyzer(prov, sources, proxy.NewDetector(chain), templates, cfg)
	return &harness{
		provider: prov,
		sources:  sources,
		cfg:      cfg,
		engine:   NewEngine(analyzer, cfg),
	}
}

func (h *harness) discover(t *testing.T) []*Analysis {
	t.Helper()
	analyses, err := h.engine.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	return analyses
}

func findAnalysis(analyses []*Analysis, addr common.Address) *Analysis {
	for _, a := range analyses {
		if a.Address == addr {
			return a
		}
	}
	return nil
}

func hardcodedAddressField(addrs ...common.Address) config.Field {
	if len(addrs) == 1 {
		return config.Field{Handler: &config.HandlerDefinition{Type: "hardcoded", Value: addrs[0].Hex()}}
	}
	list := make([]interface{}, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, a.Hex())
	}
	return config.Field{Handler: &config.HandlerDefinition{Type: "hardcoded", Value: list}}
}
