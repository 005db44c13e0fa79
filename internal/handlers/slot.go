package handlers

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/base/discovery-engine/internal/config"
)

// DeriveSlot folds a slot expression into the final storage location. A
// single atom is the slot itself. For [k0, k1, ..., kn] the first atom is the
// base slot of a mapping and every following atom is a key, nested left to
// right the way Solidity derives mapping slots:
//
//	slot = keccak256(pad32(k) || slot)
//
// A non-zero offset is added to the final slot.
func DeriveSlot(expr config.SlotExpr, offset int64) common.Hash {
	if len(expr) == 0 {
		return common.Hash{}
	}
	acc := common.BigToHash(expr[0])
	for _, key := range expr[1:] {
		acc = crypto.Keccak256Hash(append(common.BigToHash(key).Bytes(), acc.Bytes()...))
	}
	if offset != 0 {
		slot := new(uint256.Int).SetBytes(acc.Bytes())
		slot.Add(slot, uint256.NewInt(uint64(offset)))
		acc = common.Hash(slot.Bytes32())
	}
	return acc
}
