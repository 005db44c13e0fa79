package value

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// maxSafeInteger is the largest integer representable exactly as a JSON
// number. Anything above is serialized as a decimal string.
var maxSafeInteger = big.NewInt(1<<53 - 1)

// Kind discriminates the closed set of value shapes a handler can produce.
type Kind int

const (
	KindAddress Kind = iota
	KindInt
	KindBool
	KindBytes
	KindString
	KindList
	KindMap
)

// Value is a runtime-typed contract value. The set of implementations is
// closed; new shapes are compile-time additions.
type Value interface {
	Kind() Kind
	json.Marshaler
}

type Address common.Address

type Int struct{ X *big.Int }

type Bool bool

type Bytes []byte

type String string

type List []Value

type Map map[string]Value

func (Address) Kind() Kind { return KindAddress }
func (Int) Kind() Kind     { return KindInt }
func (Bool) Kind() Kind    { return KindBool }
func (Bytes) Kind() Kind   { return KindBytes }
func (String) Kind() Kind  { return KindString }
func (List) Kind() Kind    { return KindList }
func (Map) Kind() Kind     { return KindMap }

// Addr builds an Address value.
func Addr(a common.Address) Address { return Address(a) }

// NewInt builds an Int value from an int64.
func NewInt(x int64) Int { return Int{X: big.NewInt(x)} }

// BigInt builds an Int value, copying the argument.
func BigInt(x *big.Int) Int { return Int{X: new(big.Int).Set(x)} }

func (v Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToLower(common.Address(v).Hex()))
}

func (v Int) MarshalJSON() ([]byte, error) {
	x := v.X
	if x == nil {
		x = new(big.Int)
	}
	abs := new(big.Int).Abs(x)
	if abs.Cmp(maxSafeInteger) > 0 {
		return json.Marshal(x.String())
	}
	return []byte(x.String()), nil
}

func (v Bool) MarshalJSON() ([]byte, error) { return json.Marshal(bool(v)) }

func (v Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + common.Bytes2Hex(v))
}

func (v String) MarshalJSON() ([]byte, error) { return json.Marshal(string(v)) }

func (v List) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(v))
}

// MarshalJSON emits map entries in lexicographic key order. encoding/json
// already sorts map keys, but we marshal explicitly so nested Values keep
// their own encodings.
func (v Map) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Addresses walks a value and collects every address it contains, in
// encounter order with map keys visited lexicographically.
func Addresses(v Value) []common.Address {
	var out []common.Address
	walk(v, func(a common.Address) { out = append(out, a) })
	return out
}

func walk(v Value, fn func(common.Address)) {
	switch t := v.(type) {
	case Address:
		fn(common.Address(t))
	case List:
		for _, e := range t {
			walk(e, fn)
		}
	case Map:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(t[k], fn)
		}
	}
}

// FromJSON converts a decoded JSON document (as produced by encoding/json
// into interface{}) into a Value. Used by the hardcoded handler and tests.
func FromJSON(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return String(""), nil
	case bool:
		return Bool(t), nil
	case float64:
		if t == float64(int64(t)) {
			return NewInt(int64(t)), nil
		}
		return nil, fmt.Errorf("non-integer number %v", t)
	case string:
		if common.IsHexAddress(t) {
			return Addr(common.HexToAddress(t)), nil
		}
		if strings.HasPrefix(t, "0x") {
			return Bytes(common.FromHex(t)), nil
		}
		if x, ok := new(big.Int).SetString(t, 10); ok {
			return Int{X: x}, nil
		}
		return String(t), nil
	case []interface{}:
		out := make(List, 0, len(t))
		for _, e := range t {
			v, err := FromJSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case map[string]interface{}:
		out := make(Map, len(t))
		for k, e := range t {
			v, err := FromJSON(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", raw)
	}
}
