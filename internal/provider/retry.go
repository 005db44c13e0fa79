package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RetryProvider retries transient RPC failures with linear backoff. Reverts
// are not transient: they are the contract answering, and are returned as-is
// so handlers can interpret them.
type RetryProvider struct {
	p        Provider
	attempts int
	backoff  time.Duration
}

func WithRetries(p Provider, attempts int, backoff time.Duration) *RetryProvider {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryProvider{p: p, attempts: attempts, backoff: backoff}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !strings.Contains(err.Error(), "revert")
}

func (r *RetryProvider) do(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < r.attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("%w: %d attempts exhausted: %v", ErrProvider, r.attempts, err)
}

func (r *RetryProvider) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		var e error
		out, e = r.p.GetCode(ctx, addr)
		return e
	})
	return out, err
}

func (r *RetryProvider) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	var out common.Hash
	err := r.do(ctx, func() error {
		var e error
		out, e = r.p.GetStorage(ctx, addr, slot)
		return e
	})
	return out, err
}

func (r *RetryProvider) Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		var e error
		out, e = r.p.Call(ctx, addr, data)
		return e
	})
	return out, err
}

func (r *RetryProvider) GetLogs(ctx context.Context, addr common.Address, topics [][]common.Hash) ([]types.Log, error) {
	var out []types.Log
	err := r.do(ctx, func() error {
		var e error
		out, e = r.p.GetLogs(ctx, addr, topics)
		return e
	})
	return out, err
}

func (r *RetryProvider) BlockNumber() uint64 {
	return r.p.BlockNumber()
}
