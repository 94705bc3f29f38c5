// Package fixture loads transaction fixtures and provides the minimal core
// model every workspace is bootstrapped with.
//
// A fixture is a YAML file listing transactions:
//
//	transactions:
//	  - kind: class
//	    object: task:class:Task
//	    extends: core:class:Doc
//	    domain: task
//	  - kind: create
//	    class: task:class:Task
//	    space: sp1
//	    object: task-1
//	    attributes: {name: "write docs", rank: 3}
//	  - kind: update
//	    class: task:class:Task
//	    object: task-1
//	    operations: {$inc: {rank: 1}}
//
// Files are validated against an embedded CUE schema before they are
// converted to transactions, so malformed entries are reported with their
// line and column.
package fixture

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/wsdb/internal/core"
)

//go:embed schema.cue
var schemaCUE string

// Entry kinds.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindRemove = "remove"
	KindClass  = "class"
)

// Entry is one transaction of a fixture.
type Entry struct {
	Kind       string         `yaml:"kind"`
	ID         string         `yaml:"id,omitempty"`
	TxClass    string         `yaml:"txClass,omitempty"`
	Class      string         `yaml:"class,omitempty"`
	Space      string         `yaml:"space,omitempty"`
	Object     string         `yaml:"object,omitempty"`
	By         string         `yaml:"by,omitempty"`
	On         *int64         `yaml:"on,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
	Operations map[string]any `yaml:"operations,omitempty"`
	Extends    string         `yaml:"extends,omitempty"`
	Domain     string         `yaml:"domain,omitempty"`
}

// File is a parsed fixture.
type File struct {
	Transactions []Entry `yaml:"transactions"`
}

// ValidationError reports a fixture that does not match the schema.
type ValidationError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads, validates and parses a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(path, data)
}

// Parse validates and parses fixture data. filename is used in error
// positions only.
func Parse(filename string, data []byte) (*File, error) {
	if err := Validate(filename, data); err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", filename, err)
	}
	return &f, nil
}

// Validate checks fixture data against the embedded CUE schema.
func Validate(filename string, data []byte) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile fixture schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return &ValidationError{Field: "yaml", Message: err.Error()}
	}
	value := cctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Fixture")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	ve := &ValidationError{Field: "fixture", Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		ve.Field = strings.Join(path, ".")
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		// The schema position comes first when both are known; prefer the
		// fixture's own.
		ve.Pos = positions[len(positions)-1]
		for _, p := range positions {
			if p.Filename() != "schema.cue" {
				ve.Pos = p
				break
			}
		}
	}
	return ve
}

// Txs converts every entry to a transaction. Missing ids, authors and
// timestamps come from factory.
func (f *File) Txs(factory *core.TxFactory) ([]core.Tx, error) {
	txs := make([]core.Tx, 0, len(f.Transactions))
	for i, e := range f.Transactions {
		tx, err := e.Tx(factory)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Tx converts the entry to a transaction.
func (e Entry) Tx(factory *core.TxFactory) (core.Tx, error) {
	var tx core.Tx
	switch e.Kind {
	case KindCreate:
		attrs, err := toObject(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("attributes: %w", err)
		}
		tx = factory.CreateDoc(core.Ref(e.Class), core.Ref(e.Space), attrs, core.Ref(e.Object))
	case KindUpdate:
		ops, err := toObject(e.Operations)
		if err != nil {
			return nil, fmt.Errorf("operations: %w", err)
		}
		tx = factory.UpdateDoc(core.Ref(e.Class), core.Ref(e.Space), core.Ref(e.Object), ops)
	case KindRemove:
		tx = factory.RemoveDoc(core.Ref(e.Class), core.Ref(e.Space), core.Ref(e.Object))
	case KindClass:
		c := factory.CreateClass(core.Ref(e.Object), core.Ref(e.Extends), core.Domain(e.Domain))
		attrs, err := toObject(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("attributes: %w", err)
		}
		for k, v := range attrs {
			if _, reserved := c.Attributes[k]; !reserved {
				c.Attributes[k] = v
			}
		}
		tx = c
	default:
		return nil, core.NewLogicError(fmt.Sprintf("unknown fixture kind %q", e.Kind))
	}

	h := tx.Header()
	if e.ID != "" {
		h.ID = core.Ref(e.ID)
	}
	if e.TxClass != "" {
		h.Class = core.Ref(e.TxClass)
	}
	if e.By != "" {
		h.ModifiedBy = core.Ref(e.By)
	}
	if e.On != nil {
		h.ModifiedOn = *e.On
	}
	return tx, nil
}

func toObject(m map[string]any) (core.Object, error) {
	if m == nil {
		return core.Object{}, nil
	}
	v, err := core.ValueOf(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(core.Object)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	return obj, nil
}
