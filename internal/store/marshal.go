package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/wsdb/internal/core"
)

// marshalObject converts an Object to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalObject(obj core.Object) (string, error) {
	if obj == nil {
		obj = core.Object{}
	}
	data, err := core.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT to an Object.
// Integers are decoded through json.Number, so values above 2^53 survive.
func unmarshalObject(data string) (core.Object, error) {
	if data == "" || data == "{}" {
		return core.Object{}, nil
	}
	var obj core.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}
