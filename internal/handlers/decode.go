package handlers

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/base/discovery-engine/internal/value"
)

// DecodeWord formats a raw 32-byte storage word per the declared return
// type. An empty return type yields the raw word as bytes.
func DecodeWord(word common.Hash, returnType string) (value.Value, error) {
	switch {
	case returnType == "" || returnType == "bytes32":
		return value.Bytes(word.Bytes()), nil
	case returnType == "address":
		return value.Addr(common.BytesToAddress(word.Bytes())), nil
	case returnType == "bool":
		return value.Bool(word != common.Hash{}), nil
	case returnType == "string":
		return decodeShortString(word)
	case strings.HasPrefix(returnType, "uint"):
		bits, err := typeBits(returnType, "uint")
		if err != nil {
			return nil, err
		}
		u := new(uint256.Int).SetBytes(word.Bytes()[32-bits/8:])
		return value.BigInt(u.ToBig()), nil
	case strings.HasPrefix(returnType, "int"):
		bits, err := typeBits(returnType, "int")
		if err != nil {
			return nil, err
		}
		x := new(big.Int).SetBytes(word.Bytes()[32-bits/8:])
		if x.Bit(bits-1) == 1 {
			x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(bits)))
		}
		return value.Int{X: x}, nil
	default:
		return nil, fmt.Errorf("unsupported returnType %q", returnType)
	}
}

func typeBits(returnType, prefix string) (int, error) {
	suffix := strings.TrimPrefix(returnType, prefix)
	if suffix == "" {
		return 256, nil
	}
	bits, err := strconv.Atoi(suffix)
	if err != nil || bits < 8 || bits > 256 || bits%8 != 0 {
		return 0, fmt.Errorf("unsupported returnType %q", returnType)
	}
	return bits, nil
}

// decodeShortString handles the Solidity in-place string layout: content in
// the high bytes, 2*length in the low byte. Long strings spill into derived
// slots and are out of reach of a single word.
func decodeShortString(word common.Hash) (value.Value, error) {
	last := word[31]
	if last%2 != 0 {
		return nil, fmt.Errorf("long string storage not supported")
	}
	length := int(last / 2)
	if length > 31 {
		return nil, fmt.Errorf("invalid short string length %d", length)
	}
	return value.String(word[:length]), nil
}

// fromABI converts a value produced by go-ethereum's ABI unpacker into a
// discovery value.
func fromABI(v interface{}) (value.Value, error) {
	switch t := v.(type) {
	case common.Address:
		return value.Addr(t), nil
	case *big.Int:
		return value.BigInt(t), nil
	case bool:
		return value.Bool(t), nil
	case string:
		return value.String(t), nil
	case []byte:
		return value.Bytes(t), nil
	case [32]byte:
		return value.Bytes(t[:]), nil
	case uint8:
		return value.NewInt(int64(t)), nil
	case uint16:
		return value.NewInt(int64(t)), nil
	case uint32:
		return value.NewInt(int64(t)), nil
	case uint64:
		return value.Int{X: new(big.Int).SetUint64(t)}, nil
	case int8, int16, int32, int64:
		return value.NewInt(reflect.ValueOf(t).Int()), nil
	case common.Hash:
		return value.Bytes(t.Bytes()), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make(value.List, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e, err := fromABI(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported abi value %T", v)
}

// coerceArg converts a JSON-decoded handler argument into the Go value
// go-ethereum's packer expects for the given ABI type.
func coerceArg(t abi.Type, raw interface{}) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := raw.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("expected address, got %v", raw)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		x, err := argBig(raw)
		if err != nil {
			return nil, err
		}
		switch {
		case t.Size > 64:
			return x, nil
		case t.Size > 32:
			if t.T == abi.IntTy {
				return x.Int64(), nil
			}
			return x.Uint64(), nil
		case t.Size > 16:
			if t.T == abi.IntTy {
				return int32(x.Int64()), nil
			}
			return uint32(x.Uint64()), nil
		case t.Size > 8:
			if t.T == abi.IntTy {
				return int16(x.Int64()), nil
			}
			return uint16(x.Uint64()), nil
		default:
			if t.T == abi.IntTy {
				return int8(x.Int64()), nil
			}
			return uint8(x.Uint64()), nil
		}
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %v", raw)
		}
		return b, nil
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %v", raw)
		}
		return s, nil
	case abi.BytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string, got %v", raw)
		}
		return common.FromHex(s), nil
	case abi.FixedBytesTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected hex string, got %v", raw)
		}
		b := common.FromHex(s)
		arr := reflect.New(t.GetType()).Elem()
		for i := 0; i < len(b) && i < arr.Len(); i++ {
			arr.Index(i).Set(reflect.ValueOf(b[i]))
		}
		return arr.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

func argBig(raw interface{}) (*big.Int, error) {
	switch t := raw.(type) {
	case float64:
		if t != float64(int64(t)) {
			return nil, fmt.Errorf("non-integer argument %v", t)
		}
		return big.NewInt(int64(t)), nil
	case string:
		if strings.HasPrefix(t, "0x") {
			return new(big.Int).SetBytes(common.FromHex(t)), nil
		}
		x, ok := new(big.Int).SetString(t, 10)
		if !ok {
			return nil, fmt.Errorf("invalid numeric argument %q", t)
		}
		return x, nil
	default:
		return nil, fmt.Errorf("invalid numeric argument %v", raw)
	}
}
