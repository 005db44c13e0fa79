package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/logging"
	"github.com/base/discovery-engine/internal/provider"
	"github.com/base/discovery-engine/internal/source"
	"github.com/base/discovery-engine/internal/value"
)

// ErrHandler marks a per-field extraction failure: a revert, a value out of
// range, an inapplicable edit. Never fatal for the run.
var ErrHandler = errors.New("handler error")

// arrayCeiling bounds open-ended array iteration.
const arrayCeiling = 1000

// Result collects one contract's handler outputs. Errors are data: a failed
// field never disturbs its siblings. Hints carry the template reference of
// the field an address was harvested from, for the discovery frontier.
type Result struct {
	Values    map[string]value.Value
	Errors    map[string]string
	Relatives []common.Address
	Hints     map[common.Address][]string
}

// Execute runs every declared field of a contract. Handler fields run
// concurrently; outputs land in a map so ordering is unobservable. Copy
// fields resolve afterwards from the collected values.
func Execute(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, contract *config.Contract) *Result {
	res := &Result{
		Values: map[string]value.Value{},
		Errors: map[string]string{},
	}
	if contract == nil || len(contract.Fields) == 0 {
		return res
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	names := make([]string, 0, len(contract.Fields))
	for name := range contract.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := contract.Fields[name]
		if field.Handler == nil {
			continue
		}
		name, field := name, field
		g.Go(func() error {
			v, err := executeHandler(gctx, p, addr, rec, field.Handler)
			if err == nil && field.Edit != "" {
				v, err = ApplyEdit(field.Edit, v)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[name] = classify(err)
				return nil
			}
			res.Values[name] = v
			return nil
		})
	}
	// Field goroutines record failures as data and never return an error.
	_ = g.Wait()

	// Copy fields alias already-resolved values.
	for _, name := range names {
		field := contract.Fields[name]
		if field.Copy == "" {
			continue
		}
		src, ok := res.Values[field.Copy]
		if !ok {
			res.Errors[name] = fmt.Sprintf("HandlerError: copy source %q missing", field.Copy)
			continue
		}
		if field.Edit != "" {
			edited, err := ApplyEdit(field.Edit, src)
			if err != nil {
				res.Errors[name] = classify(fmt.Errorf("%w: %v", ErrHandler, err))
				continue
			}
			src = edited
		}
		res.Values[name] = src
	}

	res.Relatives, res.Hints = harvestRelatives(res.Values, contract)
	return res
}

// harvestRelatives collects every address-typed value for discovery, except
// fields pruned by ignoreRelatives. Deduplicated, deterministic order. An
// address harvested from a field with a template reference carries that
// template as a frontier hint.
func harvestRelatives(values map[string]value.Value, contract *config.Contract) ([]common.Address, map[common.Address][]string) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[common.Address]bool{}
	var out []common.Address
	hints := map[common.Address][]string{}
	for _, name := range names {
		if contract.IgnoresRelative(name) {
			continue
		}
		tmpl := contract.Fields[name].Template
		for _, a := range value.Addresses(values[name]) {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
			if tmpl != "" {
				hints[a] = appendUnique(hints[a], tmpl)
			}
		}
	}
	return out, hints
}

func appendUnique(list []string, s string) []string {
	for _, e := range list {
		if e == s {
			return list
		}
	}
	return append(list, s)
}

func classify(err error) string {
	switch {
	case errors.Is(err, source.ErrMissingABI):
		return fmt.Sprintf("MissingAbi: %v", err)
	case errors.Is(err, provider.ErrProvider):
		return fmt.Sprintf("ProviderError: %v", err)
	default:
		return fmt.Sprintf("HandlerError: %v", err)
	}
}

func executeHandler(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, def *config.HandlerDefinition) (value.Value, error) {
	switch def.Type {
	case "storage":
		return executeStorage(ctx, p, addr, def)
	case "call":
		return executeCall(ctx, p, addr, rec, def)
	case "array":
		return executeArray(ctx, p, addr, rec, def)
	case "accessControl":
		return executeAccessControl(ctx, p, addr, def)
	case "arbitrumDAC":
		return executeArbitrumDAC(ctx, p, addr)
	case "stateFromEvent":
		return executeStateFromEvent(ctx, p, addr, rec, def)
	case "eventCount":
		return executeEventCount(ctx, p, addr, rec, def)
	case "hardcoded":
		return value.FromJSON(def.Value)
	case "constructorArgs":
		return executeConstructorArgs(rec)
	default:
		return nil, fmt.Errorf("%w: unknown handler type %q", config.ErrConfig, def.Type)
	}
}

func executeStorage(ctx context.Context, p provider.Provider, addr common.Address, def *config.HandlerDefinition) (value.Value, error) {
	if len(def.Slot) == 0 {
		return nil, fmt.Errorf("%w: storage handler requires slot", ErrHandler)
	}
	slot := DeriveSlot(def.Slot, def.Offset)
	word, err := p.GetStorage(ctx, addr, slot)
	if err != nil {
		return nil, err
	}
	v, err := DecodeWord(word, def.ReturnType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandler, err)
	}
	return v, nil
}

func executeCall(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, def *config.HandlerDefinition) (value.Value, error) {
	ret, outputs, err := staticCall(ctx, p, addr, rec, def.Method, def.Args)
	if err != nil {
		return nil, err
	}
	return unpackOutputs(ret, outputs)
}

// executeArray iterates a numeric-indexed getter until the first revert, or
// until the configured length. Open-ended iteration has a hard ceiling.
func executeArray(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, def *config.HandlerDefinition) (value.Value, error) {
	out := value.List{}
	limit := def.Length
	for i := def.StartIndex; ; i++ {
		if limit > 0 && i >= def.StartIndex+limit {
			break
		}
		if limit == 0 && i >= def.StartIndex+arrayCeiling {
			logging.Logger().Warn("array iteration ceiling reached",
				"address", strings.ToLower(addr.Hex()), "method", def.Method, "ceiling", arrayCeiling)
			break
		}
		ret, outputs, err := staticCall(ctx, p, addr, rec, def.Method, []interface{}{float64(i)})
		if err != nil {
			if limit > 0 {
				return nil, err
			}
			break // revert ends the array
		}
		v, err := unpackOutputs(ret, outputs)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func executeConstructorArgs(rec *source.Record) (value.Value, error) {
	if rec == nil || len(rec.ConstructorArguments) == 0 {
		return nil, fmt.Errorf("%w: no constructor arguments recorded", ErrHandler)
	}
	if !rec.HasABI() || len(rec.ABI.Constructor.Inputs) == 0 {
		return value.Bytes(rec.ConstructorArguments), nil
	}
	vals, err := rec.ABI.Constructor.Inputs.UnpackValues(rec.ConstructorArguments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandler, err)
	}
	out := make(value.List, 0, len(vals))
	for _, raw := range vals {
		v, err := fromABI(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandler, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// staticCall packs a method call against the contract ABI, performs it and
// returns the raw output along with the method for unpacking.
func staticCall(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, method string, args []interface{}) ([]byte, *abi.Method, error) {
	if !rec.HasABI() {
		return nil, nil, source.ErrMissingABI
	}
	m, ok := rec.ABI.Methods[method]
	if !ok {
		return nil, nil, fmt.Errorf("%w: method %q not in abi", source.ErrMissingABI, method)
	}
	if len(args) != len(m.Inputs) {
		return nil, nil, fmt.Errorf("%w: method %q wants %d args, got %d", ErrHandler, method, len(m.Inputs), len(args))
	}
	coerced := make([]interface{}, len(args))
	for i, raw := range args {
		c, err := coerceArg(m.Inputs[i].Type, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: method %q arg %d: %v", ErrHandler, method, i, err)
		}
		coerced[i] = c
	}
	data, err := rec.ABI.Pack(method, coerced...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandler, err)
	}
	ret, err := p.Call(ctx, addr, data)
	if err != nil {
		return nil, nil, err
	}
	return ret, &m, nil
}

// unpackOutputs decodes a call return: one output becomes a bare value,
// several become a list in declaration order.
func unpackOutputs(ret []byte, m *abi.Method) (value.Value, error) {
	vals, err := m.Outputs.UnpackValues(ret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandler, err)
	}
	if len(vals) == 1 {
		v, err := fromABI(vals[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandler, err)
		}
		return v, nil
	}
	out := make(value.List, 0, len(vals))
	for _, raw := range vals {
		v, err := fromABI(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandler, err)
		}
		out = append(out, v)
	}
	return out, nil
}
