package provider

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCProvider reads chain state through an ethclient, pinned to one block.
type RPCProvider struct {
	client *ethclient.Client
	block  *big.Int
}

func NewRPCProvider(client *ethclient.Client, block uint64) *RPCProvider {
	return &RPCProvider{client: client, block: new(big.Int).SetUint64(block)}
}

func (p *RPCProvider) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	return p.client.CodeAt(ctx, addr, p.block)
}

func (p *RPCProvider) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	raw, err := p.client.StorageAt(ctx, addr, slot, p.block)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(raw), nil
}

func (p *RPCProvider) Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &addr, Data: data}
	return p.client.CallContract(ctx, msg, p.block)
}

func (p *RPCProvider) GetLogs(ctx context.Context, addr common.Address, topics [][]common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{addr},
		Topics:    topics,
		FromBlock: big.NewInt(0),
		ToBlock:   p.block,
	}
	return p.client.FilterLogs(ctx, query)
}

func (p *RPCProvider) BlockNumber() uint64 {
	return p.block.Uint64()
}
