// Package runctx holds the execution context threaded through a run.
//
// A Context is an immutable value: With returns a new Context and never
// mutates the receiver, so executors can hold on to the context they were
// given while returning an updated one.
package runctx

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// TriggerOwner owns every variable supplied in the trigger event's initial context.
const TriggerOwner = "trigger"

// Context is a copy-on-write map of named variables, each owned by the node
// that wrote it.
type Context struct {
	vars   map[string]any
	owners map[string]string
}

// New builds a Context from the trigger's initial context. The map is deep
// copied so later mutation by the caller is not observed.
func New(initial map[string]any) Context {
	c := Context{
		vars:   make(map[string]any, len(initial)),
		owners: make(map[string]string, len(initial)),
	}
	for k, v := range initial {
		c.vars[k] = deepCopy(v)
		c.owners[k] = TriggerOwner
	}
	return c
}

// Get returns the top-level variable name.
func (c Context) Get(name string) (any, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Lookup resolves a dotted path such as "user.address.city". A top-level key
// containing dots wins over traversal.
func (c Context) Lookup(path string) (any, bool) {
	if v, ok := c.vars[path]; ok {
		return v, true
	}
	segments := strings.Split(path, ".")
	var current any = c.vars
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Owner returns the id of the node (or TriggerOwner) that wrote name.
func (c Context) Owner(name string) string {
	return c.owners[name]
}

// With returns a new Context where owner has written value under name.
// Writing a variable owned by someone else is a VARIABLE_CONFLICT error;
// an owner may overwrite its own variable.
func (c Context) With(owner, name string, value any) (Context, error) {
	if name == "" {
		return c, schema.NewError(schema.ErrCodeConfig, "variable name is empty")
	}
	if prev, taken := c.owners[name]; taken && prev != owner {
		return c, schema.NewErrorf(schema.ErrCodeVariableConflict,
			"variable %q is already written by %s", name, prev).
			WithDetails(map[string]any{"variable": name, "owner": prev, "writer": owner})
	}

	next := Context{
		vars:   make(map[string]any, len(c.vars)+1),
		owners: make(map[string]string, len(c.owners)+1),
	}
	for k, v := range c.vars {
		next.vars[k] = v
	}
	for k, o := range c.owners {
		next.owners[k] = o
	}
	next.vars[name] = value
	next.owners[name] = owner
	return next, nil
}

// Vars returns a deep copy of the variables, safe to hand to expression engines.
func (c Context) Vars() map[string]any {
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = deepCopy(v)
	}
	return out
}

// Names returns the variable names in sorted order.
func (c Context) Names() []string {
	names := make([]string, 0, len(c.vars))
	for k := range c.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of variables.
func (c Context) Len() int { return len(c.vars) }

// MarshalJSON encodes the variables as a flat JSON object.
func (c Context) MarshalJSON() ([]byte, error) {
	if c.vars == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.vars)
}

// deepCopy copies JSON-shaped values. Other types are returned as is.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopy(inner)
		}
		return out
	case json.RawMessage:
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
