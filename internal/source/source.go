package source

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMissingABI marks handlers that need an ABI for an unverified contract.
var ErrMissingABI = errors.New("missing abi")

// Record is the verified-source view of one contract. Names, Sources and
// SourceHashes list the verified layers in order: the address itself (the
// proxy shell when the contract is a proxy) first, then the implementations
// behind it. A layer without verified source has no entry, so an index does
// not by itself identify a layer.
type Record struct {
	ABI                  *abi.ABI
	Names                []string
	Sources              []map[string]string
	SourceHashes         []common.Hash
	ConstructorArguments []byte
}

// HasABI reports whether call-shaped handlers can run against this record.
func (r *Record) HasABI() bool {
	return r != nil && r.ABI != nil
}

// Service fetches verified source for an address and its implementation
// layers. Missing or unverified source is not an error: implementations
// return a partial Record and let downstream handlers degrade per field.
type Service interface {
	Fetch(ctx context.Context, addr common.Address, impls []common.Address) (*Record, error)
}

// HashSource computes the shape hash of one layer: keccak256 over the
// canonicalized concatenation of its verified files. Files are ordered by
// name so the hash is independent of explorer response ordering.
func HashSource(files map[string]string) common.Hash {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
		b.WriteString(files[n])
		b.WriteByte('\n')
	}
	return crypto.Keccak256Hash([]byte(b.String()))
}
