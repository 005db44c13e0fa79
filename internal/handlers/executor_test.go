package handlers

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/base/discovery-engine/internal/config"
	"github.com/base/discovery-engine/internal/logging"
	"github.com/base/discovery-engine/internal/source"
	"github.com/base/discovery-engine/internal/value"
)

func init() {
	logging.DiscardLogging()
}

var (
	testContract = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccc01")
	ownerAddr    = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

const testABIJSON = `[
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"owners","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"constructor","inputs":[{"name":"owner","type":"address"},{"name":"threshold","type":"uint256"}]}
]`

func testRecord(t *testing.T) *source.Record {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testABIJSON))
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	return &source.Record{ABI: &parsed}
}

func storageField(slot int64, returnType string) config.Field {
	return config.Field{Handler: &config.HandlerDefinition{
		Type: "storage", Slot: config.SlotExpr{big.NewInt(slot)}, ReturnType: returnType,
	}}
}

func TestExecute_StorageField(t *testing.T) {
	p := newFakeProvider()
	p.setStorage(testContract, common.BigToHash(big.NewInt(5)), common.BytesToHash(ownerAddr.Bytes()))

	contract := &config.Contract{Fields: map[string]config.Field{
		"owner": storageField(5, "address"),
	}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if got := res.Values["owner"]; !valueEqual(got, value.Addr(ownerAddr)) {
		t.Fatalf("owner = %#v", got)
	}
	if len(res.Relatives) != 1 || res.Relatives[0] != ownerAddr {
		t.Fatalf("relatives = %v", res.Relatives)
	}
}

func TestExecute_IgnoreRelatives(t *testing.T) {
	p := newFakeProvider()
	p.setStorage(testContract, common.BigToHash(big.NewInt(5)), common.BytesToHash(ownerAddr.Bytes()))

	contract := &config.Contract{
		IgnoreRelatives: []string{"owner"},
		Fields:          map[string]config.Field{"owner": storageField(5, "address")},
	}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	if _, ok := res.Values["owner"]; !ok {
		t.Fatal("value should still be extracted")
	}
	if len(res.Relatives) != 0 {
		t.Fatalf("relatives should be pruned, got %v", res.Relatives)
	}
}

// A failing field must not disturb its siblings.
func TestExecute_ErrorIsolation(t *testing.T) {
	p := newFakeProvider()
	p.setStorage(testContract, common.BigToHash(big.NewInt(4)), common.BigToHash(big.NewInt(3)))

	contract := &config.Contract{Fields: map[string]config.Field{
		"threshold": storageField(4, "uint256"),
		"broken":    storageField(9, "tuple"),
	}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	if got := res.Values["threshold"]; !valueEqual(got, value.NewInt(3)) {
		t.Fatalf("threshold = %#v", got)
	}
	if _, ok := res.Values["broken"]; ok {
		t.Fatal("broken field should have no value")
	}
	if msg, ok := res.Errors["broken"]; !ok || !strings.HasPrefix(msg, "HandlerError") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestExecute_Call(t *testing.T) {
	p := newFakeProvider()
	rec := testRecord(t)
	data, err := rec.ABI.Pack("owner")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	p.setCall(testContract, data, common.BytesToHash(ownerAddr.Bytes()).Bytes())

	contract := &config.Contract{Fields: map[string]config.Field{
		"owner": {Handler: &config.HandlerDefinition{Type: "call", Method: "owner"}},
	}}
	res := Execute(context.Background(), p, testContract, rec, contract)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if got := res.Values["owner"]; !valueEqual(got, value.Addr(ownerAddr)) {
		t.Fatalf("owner = %#v", got)
	}
}

func TestExecute_Call_MissingABI(t *testing.T) {
	contract := &config.Contract{Fields: map[string]config.Field{
		"owner": {Handler: &config.HandlerDefinition{Type: "call", Method: "owner"}},
	}}
	res := Execute(context.Background(), newFakeProvider(), testContract, &source.Record{}, contract)

	if msg, ok := res.Errors["owner"]; !ok || !strings.HasPrefix(msg, "MissingAbi") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestExecute_Array_UntilRevert(t *testing.T) {
	p := newFakeProvider()
	rec := testRecord(t)
	members := []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000101"),
		common.HexToAddress("0x0000000000000000000000000000000000000102"),
	}
	for i, m := range members {
		data, err := rec.ABI.Pack("owners", big.NewInt(int64(i)))
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		p.setCall(testContract, data, common.BytesToHash(m.Bytes()).Bytes())
	}

	contract := &config.Contract{Fields: map[string]config.Field{
		"owners": {Handler: &config.HandlerDefinition{Type: "array", Method: "owners"}},
	}}
	res := Execute(context.Background(), p, testContract, rec, contract)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	list, ok := res.Values["owners"].(value.List)
	if !ok || len(list) != 2 {
		t.Fatalf("owners = %#v", res.Values["owners"])
	}
	if len(res.Relatives) != 2 {
		t.Fatalf("relatives = %v", res.Relatives)
	}
}

func TestExecute_CopyAndEdit(t *testing.T) {
	p := newFakeProvider()
	p.setStorage(testContract, common.BigToHash(big.NewInt(4)), common.BigToHash(big.NewInt(20)))

	contract := &config.Contract{Fields: map[string]config.Field{
		"threshold": storageField(4, "uint256"),
		"doubled":   {Copy: "threshold", Edit: "(mul 2)"},
		"dangling":  {Copy: "missing"},
	}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	if got := res.Values["doubled"]; !valueEqual(got, value.NewInt(40)) {
		t.Fatalf("doubled = %#v", got)
	}
	if _, ok := res.Errors["dangling"]; !ok {
		t.Fatal("expected error for dangling copy")
	}
}

func TestExecute_Hardcoded(t *testing.T) {
	contract := &config.Contract{Fields: map[string]config.Field{
		"version": {Handler: &config.HandlerDefinition{Type: "hardcoded", Value: "v2"}},
	}}
	res := Execute(context.Background(), newFakeProvider(), testContract, &source.Record{}, contract)
	if got := res.Values["version"]; !valueEqual(got, value.String("v2")) {
		t.Fatalf("version = %#v", got)
	}
}

func TestExecute_ConstructorArgs(t *testing.T) {
	rec := testRecord(t)
	packed, err := rec.ABI.Constructor.Inputs.Pack(ownerAddr, big.NewInt(2))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	rec.ConstructorArguments = packed

	contract := &config.Contract{Fields: map[string]config.Field{
		"constructorArgs": {Handler: &config.HandlerDefinition{Type: "constructorArgs"}},
	}}
	res := Execute(context.Background(), newFakeProvider(), testContract, rec, contract)

	want := value.List{value.Addr(ownerAddr), value.NewInt(2)}
	if got := res.Values["constructorArgs"]; !valueEqual(got, want) {
		t.Fatalf("constructorArgs = %#v", got)
	}
}

func TestExecute_AccessControl(t *testing.T) {
	p := newFakeProvider()
	role := crypto.Keccak256Hash([]byte("PAUSER_ROLE"))
	alice := common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	grant := func(block uint64, idx uint, role common.Hash, who common.Address) types.Log {
		return types.Log{
			BlockNumber: block, Index: idx,
			Topics: []common.Hash{roleGrantedTopic, role, common.BytesToHash(who.Bytes())},
		}
	}
	revoke := func(block uint64, idx uint, role common.Hash, who common.Address) types.Log {
		return types.Log{
			BlockNumber: block, Index: idx,
			Topics: []common.Hash{roleRevokedTopic, role, common.BytesToHash(who.Bytes())},
		}
	}
	p.logs[testContract] = []types.Log{
		grant(10, 0, common.Hash{}, alice),
		grant(11, 0, role, alice),
		grant(12, 0, role, bob),
		revoke(13, 0, role, alice),
	}

	def := &config.HandlerDefinition{
		Type:      "accessControl",
		RoleNames: map[string]string{strings.ToLower(role.Hex()): "PAUSER_ROLE"},
	}
	contract := &config.Contract{Fields: map[string]config.Field{
		"accessControl": {Handler: def},
	}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	roles, ok := res.Values["accessControl"].(value.Map)
	if !ok {
		t.Fatalf("accessControl = %#v", res.Values["accessControl"])
	}
	admins := roles["DEFAULT_ADMIN_ROLE"].(value.List)
	if len(admins) != 1 || !valueEqual(admins[0], value.Addr(alice)) {
		t.Fatalf("admins = %#v", admins)
	}
	pausers := roles["PAUSER_ROLE"].(value.List)
	if len(pausers) != 1 || !valueEqual(pausers[0], value.Addr(bob)) {
		t.Fatalf("pausers = %#v", pausers)
	}
}

func TestExecute_AccessControl_PickRole(t *testing.T) {
	p := newFakeProvider()
	alice := common.HexToAddress("0x0000000000000000000000000000000000000a11")
	p.logs[testContract] = []types.Log{{
		BlockNumber: 10,
		Topics:      []common.Hash{roleGrantedTopic, {}, common.BytesToHash(alice.Bytes())},
	}}

	contract := &config.Contract{Fields: map[string]config.Field{
		"admins": {Handler: &config.HandlerDefinition{Type: "accessControl", PickRoleMembers: "DEFAULT_ADMIN_ROLE"}},
	}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	list, ok := res.Values["admins"].(value.List)
	if !ok || len(list) != 1 || !valueEqual(list[0], value.Addr(alice)) {
		t.Fatalf("admins = %#v", res.Values["admins"])
	}
}

func TestExecute_EventCount(t *testing.T) {
	p := newFakeProvider()
	topic := crypto.Keccak256Hash([]byte("Ping()"))
	p.logs[testContract] = []types.Log{
		{Topics: []common.Hash{topic}}, {Topics: []common.Hash{topic}}, {Topics: []common.Hash{topic}},
	}

	contract := &config.Contract{Fields: map[string]config.Field{
		"pings": {Handler: &config.HandlerDefinition{Type: "eventCount", Topic: "Ping()"}},
	}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)
	if got := res.Values["pings"]; !valueEqual(got, value.NewInt(3)) {
		t.Fatalf("pings = %#v", got)
	}
}

func TestExecute_TemplateHints(t *testing.T) {
	p := newFakeProvider()
	p.setStorage(testContract, common.BigToHash(big.NewInt(5)), common.BytesToHash(ownerAddr.Bytes()))

	field := storageField(5, "address")
	field.Template = "safe"
	contract := &config.Contract{Fields: map[string]config.Field{"owner": field}}
	res := Execute(context.Background(), p, testContract, &source.Record{}, contract)

	if hints := res.Hints[ownerAddr]; len(hints) != 1 || hints[0] != "safe" {
		t.Fatalf("hints = %v", res.Hints)
	}
}

func TestHarvestRelatives_Deterministic(t *testing.T) {
	values := map[string]value.Value{
		"b": value.Addr(common.HexToAddress("0x0000000000000000000000000000000000000002")),
		"a": value.Addr(common.HexToAddress("0x0000000000000000000000000000000000000001")),
	}
	rel, _ := harvestRelatives(values, &config.Contract{Fields: map[string]config.Field{}})
	raw, _ := json.Marshal([]string{strings.ToLower(rel[0].Hex()), strings.ToLower(rel[1].Hex())})
	want := `["0x0000000000000000000000000000000000000001","0x0000000000000000000000000000000000000002"]`
	if string(raw) != want {
		t.Fatalf("got %s", raw)
	}
}
