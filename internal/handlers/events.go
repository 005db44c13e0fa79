package handlers

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/provider"
	"github.com/base/discovery-engine/internal/source"
	"github.com/base/discovery-engine/internal/value"
)

// OpenZeppelin AccessControl event signatures.
var (
	roleGrantedTopic = crypto.Keccak256Hash([]byte("RoleGranted(bytes32,address,address)"))
	roleRevokedTopic = crypto.Keccak256Hash([]byte("RoleRevoked(bytes32,address,address)"))

	setValidKeysetTopic = crypto.Keccak256Hash([]byte("SetValidKeyset(bytes32,bytes)"))
)

func sortLogs(logs []types.Log) {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

// executeAccessControl replays RoleGranted/RoleRevoked events into the
// current role -> members map. Members are sorted per role so the result is
// stable regardless of grant order.
func executeAccessControl(ctx context.Context, p provider.Provider, addr common.Address, def *config.HandlerDefinition) (value.Value, error) {
	logs, err := p.GetLogs(ctx, addr, [][]common.Hash{{roleGrantedTopic, roleRevokedTopic}})
	if err != nil {
		return nil, err
	}
	sortLogs(logs)

	members := map[common.Hash]map[common.Address]bool{}
	for _, log := range logs {
		if len(log.Topics) < 3 {
			continue
		}
		role := log.Topics[1]
		account := common.BytesToAddress(log.Topics[2].Bytes())
		switch log.Topics[0] {
		case roleGrantedTopic:
			if members[role] == nil {
				members[role] = map[common.Address]bool{}
			}
			members[role][account] = true
		case roleRevokedTopic:
			delete(members[role], account)
		}
	}

	roles := make(value.Map, len(members))
	for role, accounts := range members {
		if len(accounts) == 0 {
			continue
		}
		sorted := make([]common.Address, 0, len(accounts))
		for a := range accounts {
			sorted = append(sorted, a)
		}
		sort.Slice(sorted, func(i, j int) bool {
			return strings.ToLower(sorted[i].Hex()) < strings.ToLower(sorted[j].Hex())
		})
		list := make(value.List, 0, len(sorted))
		for _, a := range sorted {
			list = append(list, value.Addr(a))
		}
		roles[roleName(role, def.RoleNames)] = list
	}

	if def.PickRoleMembers != "" {
		picked, ok := roles[def.PickRoleMembers]
		if !ok {
			return value.List{}, nil
		}
		return picked, nil
	}
	return roles, nil
}

func roleName(role common.Hash, names map[string]string) string {
	if role == (common.Hash{}) {
		return "DEFAULT_ADMIN_ROLE"
	}
	if name, ok := names[strings.ToLower(role.Hex())]; ok {
		return name
	}
	return strings.ToLower(role.Hex())
}

// executeEventCount counts logs matching one event over the contract's full
// history up to the pinned block.
func executeEventCount(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, def *config.HandlerDefinition) (value.Value, error) {
	topic, err := eventTopic(rec, def)
	if err != nil {
		return nil, err
	}
	logs, err := p.GetLogs(ctx, addr, [][]common.Hash{{topic}})
	if err != nil {
		return nil, err
	}
	return value.NewInt(int64(len(logs))), nil
}

// executeStateFromEvent replays an event stream and keeps the newest value
// of the requested parameters.
func executeStateFromEvent(ctx context.Context, p provider.Provider, addr common.Address, rec *source.Record, def *config.HandlerDefinition) (value.Value, error) {
	if !rec.HasABI() {
		return nil, source.ErrMissingABI
	}
	ev, ok := rec.ABI.Events[def.Event]
	if !ok {
		return nil, fmt.Errorf("%w: event %q not in abi", source.ErrMissingABI, def.Event)
	}
	logs, err := p.GetLogs(ctx, addr, [][]common.Hash{{ev.ID}})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("no %s events", def.Event)
	}
	sortLogs(logs)
	last := logs[len(logs)-1]

	decoded := map[string]interface{}{}
	if nonIndexed := ev.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		vals, err := nonIndexed.UnpackValues(last.Data)
		if err != nil {
			return nil, err
		}
		for i, arg := range nonIndexed {
			decoded[arg.Name] = vals[i]
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(decoded, indexed, last.Topics[1:]); err != nil {
			return nil, err
		}
	}

	params := def.ReturnParams
	if len(params) == 0 {
		for _, arg := range ev.Inputs {
			params = append(params, arg.Name)
		}
	}
	if len(params) == 1 {
		raw, ok := decoded[params[0]]
		if !ok {
			return nil, fmt.Errorf("event %s has no parameter %q", def.Event, params[0])
		}
		return fromABI(raw)
	}
	out := make(value.Map, len(params))
	for _, name := range params {
		raw, ok := decoded[name]
		if !ok {
			return nil, fmt.Errorf("event %s has no parameter %q", def.Event, name)
		}
		v, err := fromABI(raw)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// executeArbitrumDAC reads the latest data-availability committee keyset
// announced by a sequencer inbox.
func executeArbitrumDAC(ctx context.Context, p provider.Provider, addr common.Address) (value.Value, error) {
	logs, err := p.GetLogs(ctx, addr, [][]common.Hash{{setValidKeysetTopic}})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("no SetValidKeyset events")
	}
	sortLogs(logs)
	last := logs[len(logs)-1]
	if len(last.Topics) < 2 {
		return nil, fmt.Errorf("malformed SetValidKeyset event")
	}

	keyset, err := unpackDynamicBytes(last.Data)
	if err != nil {
		return nil, err
	}
	if len(keyset) < 16 {
		return nil, fmt.Errorf("keyset too short: %d bytes", len(keyset))
	}
	assumedHonest := binary.BigEndian.Uint64(keyset[0:8])
	numKeys := binary.BigEndian.Uint64(keyset[8:16])

	return value.Map{
		"keysetHash":     value.Bytes(last.Topics[1].Bytes()),
		"membersCount":   value.NewInt(int64(numKeys)),
		"requiredHonest": value.NewInt(int64(assumedHonest)),
	}, nil
}

// unpackDynamicBytes decodes a single ABI-encoded dynamic bytes argument.
func unpackDynamicBytes(data []byte) ([]byte, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("truncated bytes argument")
	}
	offset := binary.BigEndian.Uint64(data[24:32])
	if int(offset)+32 > len(data) {
		return nil, fmt.Errorf("bytes offset out of range")
	}
	length := binary.BigEndian.Uint64(data[offset+24 : offset+32])
	start := offset + 32
	if int(start+length) > len(data) {
		return nil, fmt.Errorf("bytes length out of range")
	}
	return data[start : start+length], nil
}

func eventTopic(rec *source.Record, def *config.HandlerDefinition) (common.Hash, error) {
	if def.Topic != "" {
		if strings.HasPrefix(def.Topic, "0x") {
			return common.HexToHash(def.Topic), nil
		}
		return crypto.Keccak256Hash([]byte(def.Topic)), nil
	}
	if def.Event != "" {
		if !rec.HasABI() {
			return common.Hash{}, source.ErrMissingABI
		}
		ev, ok := rec.ABI.Events[def.Event]
		if !ok {
			return common.Hash{}, fmt.Errorf("%w: event %q not in abi", source.ErrMissingABI, def.Event)
		}
		return ev.ID, nil
	}
	return common.Hash{}, fmt.Errorf("event or topic required")
}
