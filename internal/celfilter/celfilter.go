// Package celfilter evaluates CEL predicates over documents.
//
// The document is bound to the variable doc as a map holding its attributes
// plus the header fields _id, _class, space, modifiedBy and modifiedOn:
//
//	doc.rank > 3 && doc.space == "sp1"
//	has(doc.labels) && "p1" in doc.labels
//
// Accessing an absent attribute is an evaluation error; guard with has().
package celfilter

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/roach88/wsdb/internal/core"
)

// Filter is a compiled predicate.
// Thread-safe: a Filter may be shared across goroutines.
type Filter struct {
	Expression string
	program    cel.Program
}

// New compiles expression. It must evaluate to bool.
func New(expression string) (*Filter, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile %q: result is %s, want bool", expression, out)
	}

	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create CEL program: %w", err)
	}
	return &Filter{Expression: expression, program: p}, nil
}

// Match reports whether doc satisfies the predicate.
func (f *Filter) Match(doc *core.Doc) (bool, error) {
	vars := map[string]any{
		"doc": core.Native(doc.Canonical()),
	}
	out, _, err := f.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q on %s: %w", f.Expression, doc.ID, err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("evaluate %q on %s: result is not bool", f.Expression, doc.ID)
	}
	return nv.(bool), nil
}

// Apply returns the documents of docs satisfying the predicate, in order.
// The first evaluation error aborts.
func (f *Filter) Apply(docs []core.Doc) ([]core.Doc, error) {
	out := make([]core.Doc, 0, len(docs))
	for i := range docs {
		ok, err := f.Match(&docs[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, docs[i])
		}
	}
	return out, nil
}
