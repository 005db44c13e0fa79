package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.jsonc", `{
		// project under watch
		"name": "bridge",
		"chain": "ethereum",
		"initialAddresses": ["0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"],
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxAddresses != DefaultMaxAddresses {
		t.Fatalf("maxAddresses = %d", cfg.MaxAddresses)
	}
	if cfg.MaxDepth != nil {
		t.Fatal("maxDepth should default to unbounded")
	}
	if !cfg.DepthAllowed(10_000) {
		t.Fatal("unbounded depth should allow everything")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"chain": "ethereum", "initialAddresses": []}`},
		{"missing chain", `{"name": "x", "initialAddresses": []}`},
		{"bad seed", `{"name": "x", "chain": "ethereum", "initialAddresses": ["nope"]}`},
		{"bad override key", `{"name": "x", "chain": "ethereum", "initialAddresses": [], "overrides": {"nope": {}}}`},
		{"negative cap", `{"name": "x", "chain": "ethereum", "initialAddresses": [], "maxAddresses": -1}`},
		{"handler and copy", `{"name": "x", "chain": "ethereum", "initialAddresses": [],
			"overrides": {"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {
				"fields": {"f": {"copy": "g", "handler": {"type": "storage", "slot": 1}}}}}}`},
		{"duplicate key", `{"name": "x", "name": "y", "chain": "ethereum", "initialAddresses": []}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "config.json", tc.body)
			if _, err := Load(path); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoad_ImportMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "shared.jsonc", `{
		"name": "shared", "chain": "ethereum", "initialAddresses": [],
		"overrides": {
			"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {"ignoreDiscovery": true},
			"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb": {"proxyType": "immutable"}
		}
	}`)
	path := writeConfig(t, dir, "config.jsonc", `{
		"name": "bridge", "chain": "ethereum",
		"initialAddresses": ["0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"],
		"import": "shared.jsonc",
		"overrides": {
			"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {"ignoreDiscovery": false}
		}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Importer wins for the shared key, imported-only keys survive.
	a := cfg.Overrides["0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]
	if a.ShouldIgnoreDiscovery() {
		t.Fatal("importer override should win")
	}
	b := cfg.Overrides["0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"]
	if b == nil || b.ProxyType != "immutable" {
		t.Fatalf("imported override lost: %+v", b)
	}
}

func TestLoad_ImportCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.jsonc", `{"name": "a", "chain": "ethereum", "initialAddresses": [], "import": "b.jsonc"}`)
	writeConfig(t, dir, "b.jsonc", `{"name": "b", "chain": "ethereum", "initialAddresses": [], "import": "a.jsonc"}`)
	if _, err := Load(filepath.Join(dir, "a.jsonc")); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestPassthrough_RoundTrip(t *testing.T) {
	raw := []byte(`{"name":"bridge","chain":"ethereum","initialAddresses":[],"x-custom":{"a":1},"severity":"HIGH"}`)
	var s Structure
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s.Extras) != 2 {
		t.Fatalf("extras = %v", s.Extras)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var echo map[string]json.RawMessage
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if string(echo["x-custom"]) != `{"a":1}` || string(echo["severity"]) != `"HIGH"` {
		t.Fatalf("extras lost: %s", out)
	}
}

func TestSlotExpr_Forms(t *testing.T) {
	cases := []struct {
		raw  string
		want []int64
	}{
		{`5`, []int64{5}},
		{`"0x0a"`, []int64{10}},
		{`[2, "7"]`, []int64{2, 7}},
	}
	for _, tc := range cases {
		var s SlotExpr
		if err := json.Unmarshal([]byte(tc.raw), &s); err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if len(s) != len(tc.want) {
			t.Fatalf("%s: len = %d", tc.raw, len(s))
		}
		for i, w := range tc.want {
			if s[i].Int64() != w {
				t.Fatalf("%s: atom %d = %s", tc.raw, i, s[i])
			}
		}
	}
	var s SlotExpr
	if err := json.Unmarshal([]byte(`[true]`), &s); err == nil {
		t.Fatal("expected error for boolean atom")
	}
}

func TestStripJSONC(t *testing.T) {
	in := []byte(`{
		// line comment with "quotes"
		"a": "keep // this", /* block
		comment */ "b": [1, 2,],
	}`)
	var doc map[string]interface{}
	if err := json.Unmarshal(StripJSONC(in), &doc); err != nil {
		t.Fatalf("stripped document invalid: %v", err)
	}
	if doc["a"] != "keep // this" {
		t.Fatalf("string mangled: %v", doc["a"])
	}
	if len(doc["b"].([]interface{})) != 2 {
		t.Fatalf("array mangled: %v", doc["b"])
	}
}

func TestMerge(t *testing.T) {
	yes, no := true, false
	base := &Contract{
		ProxyType:       "immutable",
		IgnoreDiscovery: &yes,
		IgnoreRelatives: []string{"a", "b"},
		Fields: map[string]Field{
			"owner": {Copy: "admin"},
			"kept":  {Copy: "other"},
		},
		Methods: map[string]string{"0x12345678": "foo"},
	}
	over := &Contract{
		IgnoreDiscovery: &no,
		IgnoreRelatives: []string{"b", "c"},
		Fields:          map[string]Field{"owner": {Copy: "root"}},
	}
	got := Merge(base, over)

	if got.ShouldIgnoreDiscovery() {
		t.Fatal("override scalar should win")
	}
	if got.ProxyType != "immutable" {
		t.Fatal("base scalar should survive when override is silent")
	}
	if got.Fields["owner"].Copy != "root" {
		t.Fatal("override field should win per key")
	}
	if got.Fields["kept"].Copy != "other" {
		t.Fatal("base-only field should survive")
	}
	want := []string{"a", "b", "c"}
	if len(got.IgnoreRelatives) != len(want) {
		t.Fatalf("ignoreRelatives = %v", got.IgnoreRelatives)
	}
	for i, w := range want {
		if got.IgnoreRelatives[i] != w {
			t.Fatalf("ignoreRelatives = %v", got.IgnoreRelatives)
		}
	}
	if got.Methods["0x12345678"] != "foo" {
		t.Fatal("methods lost in merge")
	}
}

func TestMerge_NilSides(t *testing.T) {
	yes := true
	c := &Contract{IgnoreDiscovery: &yes}
	if !Merge(nil, c).ShouldIgnoreDiscovery() {
		t.Fatal("nil base should yield override")
	}
	if !Merge(c, nil).ShouldIgnoreDiscovery() {
		t.Fatal("nil override should yield base")
	}
	if Merge(nil, nil) == nil {
		t.Fatal("nil merge should yield empty contract")
	}
}
