package provider

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// CachingProvider memoizes reads for the lifetime of one discovery run. The
// pinned block makes every read immutable, so entries never invalidate.
type CachingProvider struct {
	p     Provider
	cache *sync.Map
}

func WithCache(p Provider) *CachingProvider {
	return &CachingProvider{p: p, cache: &sync.Map{}}
}

func getCodeCacheKey(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(append(addr.Bytes(), []byte("code")...))
}

func getStorageCacheKey(addr common.Address, slot common.Hash) common.Hash {
	return crypto.Keccak256Hash(append(addr.Bytes(), slot.Bytes()...))
}

func getCallCacheKey(addr common.Address, data []byte) common.Hash {
	return crypto.Keccak256Hash(append(addr.Bytes(), data...))
}

func getLogsCacheKey(addr common.Address, topics [][]common.Hash) common.Hash {
	buf := append([]byte{}, addr.Bytes()...)
	buf = append(buf, []byte("logs")...)
	for _, group := range topics {
		buf = append(buf, 0xff)
		for _, t := range group {
			buf = append(buf, t.Bytes()...)
		}
	}
	return crypto.Keccak256Hash(buf)
}

type callResult struct {
	data []byte
	err  error
}

func (c *CachingProvider) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	cacheKey := getCodeCacheKey(addr)

	// Try to get from cache first
	if code, ok := c.cache.Load(cacheKey); ok {
		return code.([]byte), nil
	}

	// Fetch from RPC if not in cache
	code, err := c.p.GetCode(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.cache.Store(cacheKey, code)
	return code, nil
}

func (c *CachingProvider) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	cacheKey := getStorageCacheKey(addr, slot)

	if value, ok := c.cache.Load(cacheKey); ok {
		return value.(common.Hash), nil
	}

	value, err := c.p.GetStorage(ctx, addr, slot)
	if err != nil {
		return common.Hash{}, err
	}

	c.cache.Store(cacheKey, value)
	return value, nil
}

// Call caches both outcomes: a revert at a pinned block is as immutable as a
// successful return.
func (c *CachingProvider) Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	cacheKey := getCallCacheKey(addr, data)

	if res, ok := c.cache.Load(cacheKey); ok {
		r := res.(callResult)
		return r.data, r.err
	}

	out, err := c.p.Call(ctx, addr, data)
	if err == nil || !retryable(err) {
		c.cache.Store(cacheKey, callResult{data: out, err: err})
	}
	return out, err
}

func (c *CachingProvider) GetLogs(ctx context.Context, addr common.Address, topics [][]common.Hash) ([]types.Log, error) {
	cacheKey := getLogsCacheKey(addr, topics)

	if logs, ok := c.cache.Load(cacheKey); ok {
		return logs.([]types.Log), nil
	}

	logs, err := c.p.GetLogs(ctx, addr, topics)
	if err != nil {
		return nil, err
	}

	c.cache.Store(cacheKey, logs)
	return logs, nil
}

func (c *CachingProvider) BlockNumber() uint64 {
	return c.p.BlockNumber()
}
