package environment

import (
	"bytes"
	"errors"
	"sort"
)

type variable struct {
	name  string
	value string
}

// Env is a validated, mutable set of environment variables.
// Every name and value is checked on insertion, so an Env can always be encoded.
// Env is not safe for concurrent mutation.
type Env struct {
	flavor Flavor
	vars   map[string]variable
}

// New returns an empty environment with the given flavor.
func New(f Flavor) *Env {
	return &Env{flavor: f, vars: map[string]variable{}}
}

func (e *Env) Flavor() Flavor { return e.flavor }

func (e *Env) Len() int { return len(e.vars) }

// Get returns the value of name. On case-folding flavors the lookup ignores case.
func (e *Env) Get(name string) (string, bool) {
	v, ok := e.vars[e.flavor.key(name)]
	return v.value, ok
}

// Set validates and stores name=value.
// When a case-insensitive flavor already holds the name under a different spelling, the original spelling is kept.
func (e *Env) Set(name, value string) error {
	if err := e.flavor.ValidateName(name); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}
	k := e.flavor.key(name)
	if old, ok := e.vars[k]; ok {
		name = old.name
	}
	e.vars[k] = variable{name: name, value: value}
	return nil
}

func (e *Env) Unset(name string) {
	delete(e.vars, e.flavor.key(name))
}

func (e *Env) Clear() {
	e.vars = map[string]variable{}
}

// Clone returns an independent copy.
func (e *Env) Clone() *Env {
	c := &Env{flavor: e.flavor, vars: make(map[string]variable, len(e.vars))}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

// Names returns the variable names in block order.
func (e *Env) Names() []string {
	names := make([]string, 0, len(e.vars))
	for _, v := range e.vars {
		names = append(names, v.name)
	}
	sort.Slice(names, func(i, j int) bool { return e.flavor.Compare(names[i], names[j]) < 0 })
	return names
}

// Map returns a copy of the variables keyed by their stored spelling.
func (e *Env) Map() map[string]string {
	m := make(map[string]string, len(e.vars))
	for _, v := range e.vars {
		m[v.name] = v.value
	}
	return m
}

// Environ returns NAME=VALUE strings in block order. The result is never nil.
func (e *Env) Environ() []string {
	sorted := e.sorted()
	out := make([]string, 0, len(sorted))
	for _, v := range sorted {
		out = append(out, v.name+"="+v.value)
	}
	return out
}

func (e *Env) sorted() []variable {
	vars := make([]variable, 0, len(e.vars))
	for _, v := range e.vars {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return e.flavor.Compare(vars[i].name, vars[j].name) < 0 })
	return vars
}

// Block encodes the environment as NAME=VALUE\0 entries in flavor order followed by a final \0.
// An empty environment encodes as two NULs. Critical variables of the flavor that are not set
// are copied from parent (the system snapshot when parent is nil) at their sorted position.
func (e *Env) Block(parent *Snapshot) []byte {
	if parent == nil {
		parent = System()
	}
	vars := e.sorted()
	for _, name := range e.flavor.Critical {
		if _, ok := e.Get(name); ok {
			continue
		}
		value, ok := parent.Get(name)
		if !ok {
			continue
		}
		i := sort.Search(len(vars), func(i int) bool { return e.flavor.Compare(vars[i].name, name) > 0 })
		vars = append(vars, variable{})
		copy(vars[i+1:], vars[i:])
		vars[i] = variable{name: name, value: value}
	}

	var buf bytes.Buffer
	for _, v := range vars {
		buf.WriteString(v.name)
		buf.WriteByte('=')
		buf.WriteString(v.value)
		buf.WriteByte(0)
	}
	if buf.Len() == 0 {
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

var ErrMalformedBlock = errors.New("malformed environment block")

// SplitBlock returns the NAME=VALUE entries of an encoded block, in block order.
func SplitBlock(block []byte) ([]string, error) {
	if len(block) < 2 || block[len(block)-1] != 0 || block[len(block)-2] != 0 {
		return nil, ErrMalformedBlock
	}
	var entries []string
	for len(block) > 0 {
		i := bytes.IndexByte(block, 0)
		if i <= 0 {
			break
		}
		entries = append(entries, string(block[:i]))
		block = block[i+1:]
	}
	return entries, nil
}

// DecodeBlock parses an encoded block. Entries that lack a separator or fail validation are skipped.
func DecodeBlock(block []byte, f Flavor) (*Env, error) {
	entries, err := SplitBlock(block)
	if err != nil {
		return nil, err
	}
	env := New(f)
	for _, s := range entries {
		name, value, ok := f.SplitEntry(s)
		if !ok {
			continue
		}
		_ = env.Set(name, value)
	}
	return env, nil
}
