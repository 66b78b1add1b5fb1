package schema

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry maps (class name, version) to ClassSchema. It holds the live
// layout of every registered Go type and every historical layout learned from
// files or declared explicitly. Entries are never evicted.
//
// A Registry is safe for concurrent use. Lookups take a shared lock;
// registration takes the exclusive one. Share a single Registry between all
// streamers that read the same data.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*entry
	byType  *xsync.Map[reflect.Type, string]
	log     *slog.Logger
}

type entry struct {
	current  *ClassSchema
	versions map[int32]*ClassSchema
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for registration events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		classes: make(map[string]*entry),
		byType:  xsync.NewMap[reflect.Type, string](),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Class binds a class name and live version to a sample of its Go struct
// type. Sample may be a struct value, a pointer to one, or a reflect.Type.
type Class struct {
	Name    string
	Version int32
	Sample  any
}

// Register introspects sample and registers it as the live layout of name at
// version. Registering the same class again is a no-op.
func (r *Registry) Register(name string, version int32, sample any) (*ClassSchema, error) {
	out, err := r.RegisterClasses(Class{Name: name, Version: version, Sample: sample})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// RegisterClasses registers several live classes at once, so that classes
// referring to each other can be introspected together. Either all of them
// are registered or none is.
func (r *Registry) RegisterClasses(classes ...Class) ([]*ClassSchema, error) {
	types := make([]reflect.Type, len(classes))
	pending := make(map[reflect.Type]string, len(classes))
	names := make(map[string]struct{}, len(classes))
	for i, c := range classes {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: empty class name", ErrMalformedSchema)
		}
		if _, dup := names[c.Name]; dup {
			return nil, &SchemaConflictError{Class: c.Name, Version: c.Version, Reason: "class listed twice"}
		}
		names[c.Name] = struct{}{}
		if err := ValidVersion(c.Version); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		rt, err := structType(c.Sample)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		if prev, dup := pending[rt]; dup {
			return nil, &SchemaConflictError{Class: c.Name, Version: c.Version, Reason: fmt.Sprintf("%s is also registered as %s", rt, prev)}
		}
		types[i], pending[rt] = rt, c.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nameOf := func(rt reflect.Type) (string, bool) {
		if name, ok := pending[rt]; ok {
			return name, true
		}
		return r.byType.Load(rt)
	}

	out := make([]*ClassSchema, len(classes))
	for i, c := range classes {
		rt := types[i]
		if prev, ok := r.byType.Load(rt); ok && prev != c.Name {
			return nil, &SchemaConflictError{Class: c.Name, Version: c.Version, Reason: fmt.Sprintf("%s is already registered as %s", rt, prev)}
		}
		members, err := introspect(rt, nameOf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		cs := &ClassSchema{Name: c.Name, Version: c.Version, Members: members, goType: rt}
		if err := cs.Validate(); err != nil {
			return nil, err
		}

		e := r.classes[c.Name]
		if e != nil && e.current != nil {
			if e.current.goType == rt && e.current.Equal(cs) {
				out[i] = e.current
				continue
			}
			reason := fmt.Sprintf("live version %d is bound to %s", e.current.Version, e.current.goType)
			if e.current.Version == cs.Version {
				reason = fmt.Sprintf("layout differs from registered %s", e.current)
			}
			return nil, &SchemaConflictError{Class: c.Name, Version: c.Version, Reason: reason}
		}
		if e != nil {
			if old, ok := e.versions[cs.Version]; ok && !old.Equal(cs) {
				return nil, &SchemaConflictError{Class: c.Name, Version: c.Version, Reason: fmt.Sprintf("historical layout %s differs", old)}
			}
		}
		out[i] = cs
	}

	for _, cs := range out {
		e := r.entry(cs.Name)
		if e.current == cs {
			continue
		}
		e.current = cs
		e.versions[cs.Version] = cs
		r.byType.Store(cs.goType, cs.Name)
		r.log.Debug("registered live class", "class", cs.Name, "version", cs.Version, "members", len(cs.Members))
	}
	return out, nil
}

func (r *Registry) entry(name string) *entry {
	e := r.classes[name]
	if e == nil {
		e = &entry{versions: make(map[int32]*ClassSchema)}
		r.classes[name] = e
	}
	return e
}

// RegisterSchema records a historical layout. Registering an identical
// layout twice is a no-op; a different layout for a known (name, version) is
// a SchemaConflictError.
func (r *Registry) RegisterSchema(cs *ClassSchema) error {
	_, err := r.registerSchema(cs)
	return err
}

func (r *Registry) registerSchema(cs *ClassSchema) (*ClassSchema, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(cs.Name)
	if old, ok := e.versions[cs.Version]; ok {
		if !old.Equal(cs) {
			return nil, &SchemaConflictError{Class: cs.Name, Version: cs.Version, Reason: fmt.Sprintf("%s differs from registered %s", cs, old)}
		}
		return old, nil
	}
	h := cs.Historical()
	e.versions[cs.Version] = h
	r.log.Debug("registered historical schema", "class", cs.Name, "version", cs.Version)
	return h, nil
}

// GetOrBuildCurrent returns the live schema of name: the layout introspected
// when its Go type was registered.
func (r *Registry) GetOrBuildCurrent(name string) (*ClassSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.classes[name]; e != nil && e.current != nil {
		return e.current, nil
	}
	return nil, &UnknownClassError{Class: name}
}

// Lookup returns the schema registered for exactly (name, version).
func (r *Registry) Lookup(name string, version int32) (*ClassSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.classes[name]; e != nil {
		cs, ok := e.versions[version]
		return cs, ok
	}
	return nil, false
}

// Resolve returns the schema for (name, version) from the registry alone.
func (r *Registry) Resolve(name string, version int64) (*ClassSchema, error) {
	return r.ResolveWith(nil, name, version)
}

// ResolveWith returns the schema for (name, version), consulting table when
// the registry does not know the version. Schemas found in table are
// registered so later lookups need no table.
func (r *Registry) ResolveWith(table *Table, name string, version int64) (*ClassSchema, error) {
	if version < 1 || version > MaxVersion {
		return nil, &UnresolvableVersionError{Class: name, Version: version}
	}
	stored, inTable := table.Lookup(name, int32(version))
	if cs, ok := r.Lookup(name, int32(version)); ok {
		if inTable && !cs.Equal(stored) {
			return nil, conflict(stored, cs)
		}
		return cs, nil
	}
	if inTable {
		return r.registerSchema(stored)
	}
	return nil, &UnresolvableVersionError{Class: name, Version: version}
}

// CheckTable reports the first schema of table whose layout differs from
// the one the registry holds for the same (name, version), live layouts
// included. Records written under such a schema cannot be read by this
// registry without misplacing members.
func (r *Registry) CheckTable(table *Table) error {
	for _, stored := range table.Schemas() {
		if cs, ok := r.Lookup(stored.Name, stored.Version); ok && !cs.Equal(stored) {
			return conflict(stored, cs)
		}
	}
	return nil
}

func conflict(stored, known *ClassSchema) error {
	return &SchemaConflictError{Class: stored.Name, Version: stored.Version,
		Reason: fmt.Sprintf("stored %s differs from registered %s", stored, known)}
}

// Versions lists the known versions of name in ascending order.
func (r *Registry) Versions(name string) []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.classes[name]
	if e == nil {
		return nil
	}
	out := make([]int32, 0, len(e.versions))
	for v := range e.versions {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Classes lists every class name known to the registry, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for name := range r.classes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// ClassOf returns the class name a Go struct type (or pointer to one) is
// registered under.
func (r *Registry) ClassOf(rt reflect.Type) (string, bool) {
	if rt == nil {
		return "", false
	}
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return r.byType.Load(rt)
}

// GoType returns the live struct type of name.
func (r *Registry) GoType(name string) (reflect.Type, bool) {
	cs, err := r.GetOrBuildCurrent(name)
	if err != nil {
		return nil, false
	}
	return cs.goType, true
}

// New allocates a zero value of the live type of name and returns a pointer
// to it. It is the factory used for polymorphic members.
func (r *Registry) New(name string) (any, error) {
	rt, ok := r.GoType(name)
	if !ok {
		return nil, &UnknownClassError{Class: name}
	}
	return reflect.New(rt).Interface(), nil
}
