// Package hierarchy tracks class definitions, inheritance edges and per-class
// storage domains.
//
// The registry is an arena of class entries indexed by class id. The
// ancestor chain of every class is computed when the class is registered and
// cached; when an "extends" edge changes, or a parent arrives after its
// children, the chains of the whole affected subtree are recomputed.
//
// The hierarchy is only mutated through Apply, which must see every
// transaction in log order before any dependent component processes it.
package hierarchy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/operator"
)

// ClassInfo describes a registered class.
type ClassInfo struct {
	ID      core.Ref
	Extends core.Ref
	Domain  core.Domain
}

type entry struct {
	extends core.Ref
	domain  core.Domain
	attrs   core.Object
}

// Hierarchy is the class registry.
//
// Thread-safe: reads may run concurrently with Apply. Entries and chains are
// never mutated in place; Apply replaces them.
type Hierarchy struct {
	mu      sync.RWMutex
	classes map[core.Ref]entry
	chains  map[core.Ref][]core.Ref // class -> [class, parent, grandparent, ...]
	logger  *slog.Logger
}

// New creates an empty hierarchy.
func New() *Hierarchy {
	return &Hierarchy{
		classes: make(map[core.Ref]entry),
		chains:  make(map[core.Ref][]core.Ref),
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for registration events.
func (h *Hierarchy) WithLogger(logger *slog.Logger) *Hierarchy {
	h.logger = logger
	return h
}

func noop() {}

// Apply updates the registry when tx targets a Class document.
//
// Transactions targeting any other class are no-ops. On success Apply
// returns a function restoring the state prior to the call; on error the
// registry is unmodified.
func (h *Hierarchy) Apply(tx core.Tx) (undo func(), err error) {
	if tx == nil || tx.Header().ObjectClass != core.ClassClass {
		return noop, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prevClasses, prevChains := h.snapshot()
	restore := func() {
		h.mu.Lock()
		h.classes, h.chains = prevClasses, prevChains
		h.mu.Unlock()
	}

	switch t := tx.(type) {
	case *core.CreateDoc:
		err = h.create(t)
	case *core.UpdateDoc:
		err = h.update(t)
	case *core.RemoveDoc:
		err = h.remove(t)
	default:
		return noop, nil
	}
	if err != nil {
		h.classes, h.chains = prevClasses, prevChains
		return noop, err
	}
	return restore, nil
}

func (h *Hierarchy) snapshot() (map[core.Ref]entry, map[core.Ref][]core.Ref) {
	classes := make(map[core.Ref]entry, len(h.classes))
	for k, v := range h.classes {
		classes[k] = v
	}
	chains := make(map[core.Ref][]core.Ref, len(h.chains))
	for k, v := range h.chains {
		chains[k] = v
	}
	return classes, chains
}

func (h *Hierarchy) create(tx *core.CreateDoc) error {
	id := tx.ObjectID
	e, err := entryFromAttrs(id, tx.Attributes)
	if err != nil {
		return err
	}

	if existing, ok := h.classes[id]; ok {
		if existing.extends == e.extends && existing.domain == e.domain {
			return nil
		}
		return &core.Error{
			Code:     core.ErrCodeConsistency,
			Message:  "class already registered with a different definition",
			Class:    id,
			ObjectID: tx.ID,
		}
	}

	if err := h.checkCycle(id, e.extends); err != nil {
		return err
	}

	h.classes[id] = e
	h.recompute(id)
	h.logger.Debug("class registered", "class", id, "extends", e.extends, "domain", e.domain)
	return nil
}

func (h *Hierarchy) update(tx *core.UpdateDoc) error {
	id := tx.ObjectID
	current, ok := h.classes[id]
	if !ok {
		return core.NewSchemaError(id, "update of unknown class")
	}

	res, err := operator.Apply(current.attrs, tx.Operations)
	if err != nil {
		return err
	}
	e, err := entryFromAttrs(id, res.Attributes)
	if err != nil {
		return err
	}
	if e.extends != current.extends {
		if err := h.checkCycle(id, e.extends); err != nil {
			return err
		}
	}

	h.classes[id] = e
	h.recompute(id)
	h.logger.Debug("class updated", "class", id, "extends", e.extends, "domain", e.domain)
	return nil
}

// remove rejects every class removal. Classes are never physically deleted:
// documents created under a class stay in the log, and replaying them needs
// the class to resolve.
func (h *Hierarchy) remove(tx *core.RemoveDoc) error {
	id := tx.ObjectID
	if _, ok := h.classes[id]; !ok {
		return core.NewSchemaError(id, "remove of unknown class")
	}
	return &core.Error{
		Code:     core.ErrCodeLogic,
		Message:  "classes cannot be removed",
		Class:    id,
		ObjectID: tx.ID,
	}
}

func entryFromAttrs(id core.Ref, attrs core.Object) (entry, error) {
	e := entry{attrs: attrs.Clone()}
	if v, ok := attrs[core.AttrExtends]; ok {
		switch s := v.(type) {
		case core.String:
			e.extends = core.Ref(s)
		case core.Null:
		default:
			return entry{}, core.NewSchemaError(id, fmt.Sprintf("extends must be a class id, got %T", v))
		}
	}
	if v, ok := attrs[core.AttrDomain]; ok {
		switch s := v.(type) {
		case core.String:
			e.domain = core.Domain(s)
		case core.Null:
		default:
			return entry{}, core.NewSchemaError(id, fmt.Sprintf("domain must be a string, got %T", v))
		}
	}
	if e.extends == id {
		return entry{}, &core.Error{Code: core.ErrCodeConsistency, Message: "class extends itself", Class: id}
	}
	return e, nil
}

// checkCycle walks up from parent; reaching id means the edge id -> parent
// would close a cycle.
func (h *Hierarchy) checkCycle(id, parent core.Ref) error {
	seen := make(map[core.Ref]bool)
	for cur := parent; cur != ""; {
		if cur == id {
			return &core.Error{
				Code:    core.ErrCodeConsistency,
				Message: fmt.Sprintf("extends %s would close a cycle", parent),
				Class:   id,
			}
		}
		if seen[cur] {
			break
		}
		seen[cur] = true
		e, ok := h.classes[cur]
		if !ok {
			break
		}
		cur = e.extends
	}
	return nil
}

// recompute refreshes the chain of root and of every class whose cached
// chain passes through root.
func (h *Hierarchy) recompute(root core.Ref) {
	affected := []core.Ref{root}
	for id, chain := range h.chains {
		if id == root {
			continue
		}
		for _, anc := range chain {
			if anc == root {
				affected = append(affected, id)
				break
			}
		}
	}
	for _, id := range affected {
		h.chains[id] = h.buildChain(id)
	}
}

// buildChain follows extends edges. A parent not yet registered terminates
// the chain but is kept in it, so the child is found when the parent
// arrives.
func (h *Hierarchy) buildChain(id core.Ref) []core.Ref {
	var chain []core.Ref
	seen := make(map[core.Ref]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		chain = append(chain, cur)
		e, ok := h.classes[cur]
		if !ok {
			break
		}
		cur = e.extends
	}
	return chain
}

// IsDerived reports whether base appears in class's ancestor chain.
// A class is derived from itself.
func (h *Hierarchy) IsDerived(class, base core.Ref) bool {
	if class == base {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, anc := range h.chains[class] {
		if anc == base {
			return true
		}
	}
	return false
}

// Domain returns the storage domain of class: its own, or the nearest
// ancestor's.
func (h *Hierarchy) Domain(class core.Ref) (core.Domain, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.classes[class]; !ok {
		return "", core.NewSchemaError(class, "unknown class")
	}
	for _, anc := range h.chains[class] {
		if e, ok := h.classes[anc]; ok && e.domain != "" {
			return e.domain, nil
		}
	}
	return "", core.NewSchemaError(class, "no domain assigned")
}

// Has reports whether class is registered.
func (h *Hierarchy) Has(class core.Ref) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.classes[class]
	return ok
}

// Class returns the definition of a registered class.
func (h *Hierarchy) Class(id core.Ref) (ClassInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.classes[id]
	if !ok {
		return ClassInfo{}, false
	}
	return ClassInfo{ID: id, Extends: e.extends, Domain: e.domain}, true
}

// Ancestors returns the chain of class starting with class itself.
func (h *Hierarchy) Ancestors(class core.Ref) []core.Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()

	chain := h.chains[class]
	out := make([]core.Ref, len(chain))
	copy(out, chain)
	return out
}

// Descendants returns every registered class derived from base, base
// included when registered, in sorted order.
func (h *Hierarchy) Descendants(base core.Ref) []core.Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []core.Ref
	for id, chain := range h.chains {
		for _, anc := range chain {
			if anc == base {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classes returns every registered class id in sorted order.
func (h *Hierarchy) Classes() []core.Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]core.Ref, 0, len(h.classes))
	for id := range h.classes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fingerprint hashes every class with its chain and resolved domain.
// Two hierarchies built from the same log have the same fingerprint.
func (h *Hierarchy) Fingerprint() (string, error) {
	h.mu.RLock()
	obj := make(core.Object, len(h.classes))
	for id, e := range h.classes {
		chain := make(core.Array, 0, len(h.chains[id]))
		for _, anc := range h.chains[id] {
			chain = append(chain, core.String(anc))
		}
		obj[string(id)] = core.Object{
			"chain":  chain,
			"domain": core.String(e.domain),
		}
	}
	h.mu.RUnlock()

	fp, err := core.Fingerprint(core.HashDomainHierarchy, obj)
	if err != nil {
		return "", fmt.Errorf("hierarchy fingerprint: %w", err)
	}
	return fp, nil
}
