package config

import "encoding/json"

// Merge combines a template contract with an override, override winning.
// Map attributes merge entry-wise, list attributes concatenate with
// deduplication, scalar attributes take the override value when present.
func Merge(base, over *Contract) *Contract {
	if base == nil && over == nil {
		return &Contract{}
	}
	if base == nil {
		cp := *over
		return &cp
	}
	if over == nil {
		cp := *base
		return &cp
	}
	out := &Contract{
		ProxyType:           base.ProxyType,
		CanActIndependently: base.CanActIndependently,
		IgnoreDiscovery:     base.IgnoreDiscovery,
		IgnoreInWatchMode:   dedupConcat(base.IgnoreInWatchMode, over.IgnoreInWatchMode),
		IgnoreMethods:       dedupConcat(base.IgnoreMethods, over.IgnoreMethods),
		IgnoreRelatives:     dedupConcat(base.IgnoreRelatives, over.IgnoreRelatives),
		Fields:              mergeFields(base.Fields, over.Fields),
		Methods:             mergeStringMap(base.Methods, over.Methods),
		ManualSourcePaths:   mergeStringMap(base.ManualSourcePaths, over.ManualSourcePaths),
		Types:               mergeRawMap(base.Types, over.Types),
		Extras:              mergeRawMap(base.Extras, over.Extras),
	}
	if over.ProxyType != "" {
		out.ProxyType = over.ProxyType
	}
	if over.CanActIndependently != nil {
		out.CanActIndependently = over.CanActIndependently
	}
	if over.IgnoreDiscovery != nil {
		out.IgnoreDiscovery = over.IgnoreDiscovery
	}
	return out
}

func dedupConcat(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func mergeFields(a, b map[string]Field) map[string]Field {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]Field, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeStringMap(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeRawMap(a, b map[string]json.RawMessage) map[string]json.RawMessage {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
