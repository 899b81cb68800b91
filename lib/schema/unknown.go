// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
)

// extractUnknown unmarshals data into known, then returns every
// top-level field that is not in knownFields. Returns nil (not an
// empty map) when all fields were recognized, so types can compare
// Unknown against nil.
func extractUnknown(data []byte, known any, knownFields []string) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, field := range knownFields {
		delete(all, field)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeUnknown marshals known, then splices the unknown fields into
// the resulting object. Object keys come out sorted (encoding/json map
// order), which keeps serialized documents byte-stable for hashing.
func mergeUnknown(known any, unknown map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for field, value := range unknown {
		// Known fields win: a stale unknown-copy of a field we now
		// understand must not shadow the typed value.
		if _, exists := merged[field]; !exists {
			merged[field] = value
		}
	}
	return json.Marshal(merged)
}
