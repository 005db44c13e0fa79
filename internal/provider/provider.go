package provider

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrProvider marks an RPC failure that survived the retry discipline.
var ErrProvider = errors.New("provider error")

// Provider is the minimal read surface the discovery core consumes. Every
// operation is implicitly pinned to the run's block. Implementations must be
// safe for concurrent use.
type Provider interface {
	// GetCode returns the deployed bytecode at addr, empty for an EOA.
	GetCode(ctx context.Context, addr common.Address) ([]byte, error)

	// GetStorage reads one storage word.
	GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)

	// Call performs a static call with the given calldata.
	Call(ctx context.Context, addr common.Address, data []byte) ([]byte, error)

	// GetLogs fetches logs emitted by addr matching topics, from genesis to
	// the pinned block.
	GetLogs(ctx context.Context, addr common.Address, topics [][]common.Hash) ([]types.Log, error)

	// BlockNumber returns the pinned block height.
	BlockNumber() uint64
}
