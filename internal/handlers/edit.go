package handlers

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/base/discovery-engine/internal/value"
)

// The edit language is a sequence of s-expression forms applied to a handler
// value left to right, e.g. "(pick 1) (hex)". Each form is a pure transform;
// an inapplicable form is a per-field error.
//
//	(pick i)   i-th element of a list
//	(field k)  entry k of a map
//	(first)    head of a list
//	(last)     tail of a list
//	(add n)    integer addition
//	(mul n)    integer multiplication
//	(hex)      integer or bytes rendered as 0x-hex string
//	(lower)    lowercase a string
type editForm struct {
	op  string
	arg string
}

func parseEdit(expr string) ([]editForm, error) {
	var forms []editForm
	rest := strings.TrimSpace(expr)
	for rest != "" {
		if rest[0] != '(' {
			return nil, fmt.Errorf("edit: expected '(' at %q", rest)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return nil, fmt.Errorf("edit: unterminated form in %q", expr)
		}
		parts := strings.Fields(rest[1:end])
		if len(parts) == 0 || len(parts) > 2 {
			return nil, fmt.Errorf("edit: malformed form %q", rest[:end+1])
		}
		form := editForm{op: parts[0]}
		if len(parts) == 2 {
			form.arg = parts[1]
		}
		forms = append(forms, form)
		rest = strings.TrimSpace(rest[end+1:])
	}
	return forms, nil
}

// ApplyEdit runs an edit expression over a value.
func ApplyEdit(expr string, v value.Value) (value.Value, error) {
	forms, err := parseEdit(expr)
	if err != nil {
		return nil, err
	}
	for _, f := range forms {
		v, err = f.apply(v)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (f editForm) apply(v value.Value) (value.Value, error) {
	switch f.op {
	case "pick":
		list, ok := v.(value.List)
		if !ok {
			return nil, fmt.Errorf("edit: pick on non-list")
		}
		i, ok := new(big.Int).SetString(f.arg, 10)
		if !ok || !i.IsInt64() || i.Int64() < 0 || i.Int64() >= int64(len(list)) {
			return nil, fmt.Errorf("edit: pick index %q out of range", f.arg)
		}
		return list[i.Int64()], nil
	case "field":
		m, ok := v.(value.Map)
		if !ok {
			return nil, fmt.Errorf("edit: field on non-map")
		}
		entry, ok := m[f.arg]
		if !ok {
			return nil, fmt.Errorf("edit: missing field %q", f.arg)
		}
		return entry, nil
	case "first":
		list, ok := v.(value.List)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("edit: first on empty or non-list")
		}
		return list[0], nil
	case "last":
		list, ok := v.(value.List)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("edit: last on empty or non-list")
		}
		return list[len(list)-1], nil
	case "add", "mul":
		n, ok := new(big.Int).SetString(f.arg, 10)
		if !ok {
			return nil, fmt.Errorf("edit: bad operand %q", f.arg)
		}
		x, ok := v.(value.Int)
		if !ok {
			return nil, fmt.Errorf("edit: %s on non-integer", f.op)
		}
		out := new(big.Int)
		if f.op == "add" {
			out.Add(x.X, n)
		} else {
			out.Mul(x.X, n)
		}
		return value.Int{X: out}, nil
	case "hex":
		switch t := v.(type) {
		case value.Int:
			return value.String("0x" + t.X.Text(16)), nil
		case value.Bytes:
			return value.String("0x" + common.Bytes2Hex(t)), nil
		default:
			return nil, fmt.Errorf("edit: hex on unsupported value")
		}
	case "lower":
		s, ok := v.(value.String)
		if !ok {
			return nil, fmt.Errorf("edit: lower on non-string")
		}
		return value.String(strings.ToLower(string(s))), nil
	default:
		return nil, fmt.Errorf("edit: unknown form %q", f.op)
	}
}
