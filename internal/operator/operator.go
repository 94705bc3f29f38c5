// Package operator implements the closed registry of document update
// operators.
//
// An UpdateDoc operations map mixes plain assignments and operator-tagged
// entries:
//
//	{"name": "new name", "$inc": {"count": 1}, "$push": {"tags": "urgent"}}
//
// Each operator is a pure function (current value, argument) -> new value.
// Unknown operator names and arguments of the wrong shape are LogicErrors;
// Apply never modifies its input, so a failed update leaves the target
// document untouched.
package operator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/wsdb/internal/core"
)

// Prefix marks operator keys in an operations map.
const Prefix = "$"

// Operator names.
const (
	Inc   = "$inc"
	Push  = "$push"
	Pull  = "$pull"
	Unset = "$unset"
)

// Func computes the new value of a field. exists is false when the field is
// absent; returning keep=false deletes the field.
type Func func(current core.Value, exists bool, arg core.Value) (next core.Value, keep bool, err error)

var registry = map[string]Func{
	Inc:   increment,
	Push:  push,
	Pull:  pull,
	Unset: unset,
}

// Lookup returns the operator registered under name.
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Names returns the registered operator names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsOperator reports whether key is operator-tagged.
func IsOperator(key string) bool {
	return strings.HasPrefix(key, Prefix)
}

// Result describes an applied operations map.
type Result struct {
	// Attributes is the new attribute set. The input is never modified.
	Attributes core.Object

	// Changed lists every field touched, plain or nested under an operator,
	// in sorted order.
	Changed []string
}

// Apply applies an operations map to a copy of attrs.
//
// Header fields (_id, _class, space, modifiedBy, modifiedOn) cannot be
// updated: a document's space and class never change after creation, and
// the modifier stamp comes from the transaction itself.
func Apply(attrs core.Object, ops core.Object) (Result, error) {
	next := attrs.Clone()
	if next == nil {
		next = core.Object{}
	}
	changed := make(map[string]struct{})

	for _, key := range ops.SortedKeys() {
		arg := ops[key]
		if !IsOperator(key) {
			if err := checkField(key); err != nil {
				return Result{}, err
			}
			next[key] = core.Clone(arg)
			changed[key] = struct{}{}
			continue
		}

		fn, ok := Lookup(key)
		if !ok {
			return Result{}, core.NewLogicError(fmt.Sprintf("unknown operator %q (supported: %s)", key, strings.Join(Names(), ", ")))
		}
		fields, ok := arg.(core.Object)
		if !ok {
			return Result{}, core.NewLogicError(fmt.Sprintf("operator %s expects an object, got %T", key, arg))
		}
		for _, field := range fields.SortedKeys() {
			if err := checkField(field); err != nil {
				return Result{}, err
			}
			current, exists := next[field]
			value, keep, err := fn(current, exists, fields[field])
			if err != nil {
				return Result{}, core.NewLogicError(fmt.Sprintf("%s on field %q: %v", key, field, err))
			}
			if keep {
				next[field] = value
			} else {
				delete(next, field)
			}
			changed[field] = struct{}{}
		}
	}

	fields := make([]string, 0, len(changed))
	for f := range changed {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return Result{Attributes: next, Changed: fields}, nil
}

func checkField(field string) error {
	if field == "" {
		return core.NewLogicError("empty field name in operations")
	}
	if core.IsHeaderField(field) {
		return core.NewLogicError(fmt.Sprintf("field %q is not updatable", field))
	}
	if IsOperator(field) {
		return core.NewLogicError(fmt.Sprintf("nested operator %q is not allowed", field))
	}
	return nil
}

func increment(current core.Value, exists bool, arg core.Value) (core.Value, bool, error) {
	delta, ok := arg.(core.Int)
	if !ok {
		return nil, false, fmt.Errorf("argument must be an integer, got %T", arg)
	}
	if !exists {
		return delta, true, nil
	}
	n, ok := current.(core.Int)
	if !ok {
		return nil, false, fmt.Errorf("current value is %T, not an integer", current)
	}
	return n + delta, true, nil
}

func push(current core.Value, exists bool, arg core.Value) (core.Value, bool, error) {
	if !exists {
		return core.Array{core.Clone(arg)}, true, nil
	}
	arr, ok := current.(core.Array)
	if !ok {
		return nil, false, fmt.Errorf("current value is %T, not an array", current)
	}
	out := make(core.Array, len(arr), len(arr)+1)
	copy(out, arr)
	return append(out, core.Clone(arg)), true, nil
}

func pull(current core.Value, exists bool, arg core.Value) (core.Value, bool, error) {
	if !exists {
		return nil, false, nil
	}
	arr, ok := current.(core.Array)
	if !ok {
		return nil, false, fmt.Errorf("current value is %T, not an array", current)
	}
	out := make(core.Array, 0, len(arr))
	for _, elem := range arr {
		if !core.Equal(elem, arg) {
			out = append(out, elem)
		}
	}
	return out, true, nil
}

func unset(_ core.Value, _ bool, _ core.Value) (core.Value, bool, error) {
	return nil, false, nil
}
