package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/semaphore"
)

const DefaultConcurrency = 25

// GatedProvider bounds the number of outstanding requests across the whole
// engine with a counting semaphore.
type GatedProvider struct {
	p   Provider
	sem *semaphore.Weighted
}

func WithGate(p Provider, concurrency int64) *GatedProvider {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &GatedProvider{p: p, sem: semaphore.NewWeighted(concurrency)}
}

// acquire takes one slot of the gate. A context that is already done fails
// even when a slot is free.
func (g *GatedProvider) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.sem.Acquire(ctx, 1)
}

func (g *GatedProvider) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.p.GetCode(ctx, addr)
}

func (g *GatedProvider) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	if err := g.acquire(ctx); err != nil {
		return common.Hash{}, err
	}
	defer g.sem.Release(1)
	return g.p.GetStorage(ctx, addr, slot)
}

func (g *GatedProvider) Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.p.Call(ctx, addr, data)
}

func (g *GatedProvider) GetLogs(ctx context.Context, addr common.Address, topics [][]common.Hash) ([]types.Log, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.p.GetLogs(ctx, addr, topics)
}

func (g *GatedProvider) BlockNumber() uint64 {
	return g.p.BlockNumber()
}
