// Package tools declares the gateway's advertised tool surface. The gateway
// does not implement tool semantics itself; it lists these descriptors to
// clients and forwards invocations of known names to the backend.
package tools

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Def describes one advertised tool.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// New reflects a JSON Schema from the typed argument struct A and pairs it
// with the tool name and description.
func New[A any](name, description string) Def {
	t := reflect.TypeOf((*A)(nil)).Elem()
	r := &jsonschema.Reflector{
		DoNotReference: true,
		// Unnamed argument types never land in the reflector's definitions
		// map, so expanding would dereference a missing entry. Their schemas
		// come back inlined without expansion anyway.
		ExpandedStruct: t.Name() != "",
	}
	schema := r.ReflectFromType(t)
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflection output is always marshalable; a failure here is a
		// programming error in the tool definition itself.
		panic("tools: reflect schema for " + name + ": " + err.Error())
	}
	return Def{Name: name, Description: description, InputSchema: raw}
}

// Set is an immutable collection of tool definitions keyed by name.
type Set struct {
	defs   []Def
	byName map[string]Def
}

// NewSet builds a Set. Later definitions win on duplicate names.
func NewSet(defs ...Def) *Set {
	s := &Set{byName: make(map[string]Def, len(defs))}
	for _, d := range defs {
		if _, dup := s.byName[d.Name]; !dup {
			s.defs = append(s.defs, d)
		}
		s.byName[d.Name] = d
	}
	return s
}

// List returns the definitions in registration order.
func (s *Set) List() []Def {
	return append([]Def(nil), s.defs...)
}

// Has reports whether a tool name is part of the advertised surface.
func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}
