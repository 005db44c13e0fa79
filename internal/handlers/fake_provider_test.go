package handlers

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeProvider serves canned chain state for handler tests.
type fakeProvider struct {
	storage map[common.Address]map[common.Hash]common.Hash
	calls   map[string][]byte
	logs    map[common.Address][]types.Log
	code    map[common.Address][]byte

	storageReads int
	callCount    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		storage: map[common.Address]map[common.Hash]common.Hash{},
		calls:   map[string][]byte{},
		logs:    map[common.Address][]types.Log{},
		code:    map[common.Address][]byte{},
	}
}

func (f *fakeProvider) setStorage(addr common.Address, slot, val common.Hash) {
	if f.storage[addr] == nil {
		f.storage[addr] = map[common.Hash]common.Hash{}
	}
	f.storage[addr][slot] = val
}

func callKey(addr common.Address, data []byte) string {
	return addr.Hex() + common.Bytes2Hex(data)
}

func (f *fakeProvider) setCall(addr common.Address, data, ret []byte) {
	f.calls[callKey(addr, data)] = ret
}

func (f *fakeProvider) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeProvider) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	f.storageReads++
	return f.storage[addr][slot], nil
}

func (f *fakeProvider) Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	f.callCount++
	if ret, ok := f.calls[callKey(addr, data)]; ok {
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
		for _, t := range topics[0] {
			if len(log.Topics) > 0 && log.Topics[0] == t {
				out = append(out, log)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeProvider) BlockNumber() uint64 { return 1_000_000 }
