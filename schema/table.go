package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/oy3o/rio"
)

type tableKey struct {
	name    string
	version int32
}

// Table is the set of schemas embedded in one file, in the order they were
// added. A nil *Table is an empty table. Table is not safe for concurrent
// mutation.
type Table struct {
	schemas map[tableKey]*ClassSchema
	order   []tableKey
}

func NewTable() *Table {
	return &Table{schemas: make(map[tableKey]*ClassSchema)}
}

// Add stores a historical copy of cs. Adding an equal schema again is a no-op.
func (t *Table) Add(cs *ClassSchema) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	if t.schemas == nil {
		t.schemas = make(map[tableKey]*ClassSchema)
	}
	k := tableKey{cs.Name, cs.Version}
	if old, ok := t.schemas[k]; ok {
		if !old.Equal(cs) {
			return &SchemaConflictError{Class: cs.Name, Version: cs.Version, Reason: fmt.Sprintf("table already holds %s", old)}
		}
		return nil
	}
	t.schemas[k] = cs.Historical()
	t.order = append(t.order, k)
	return nil
}

func (t *Table) Lookup(name string, version int32) (*ClassSchema, bool) {
	if t == nil {
		return nil, false
	}
	cs, ok := t.schemas[tableKey{name, version}]
	return cs, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Schemas returns the stored schemas in insertion order.
func (t *Table) Schemas() []*ClassSchema {
	if t == nil {
		return nil
	}
	out := make([]*ClassSchema, len(t.order))
	for i, k := range t.order {
		out[i] = t.schemas[k]
	}
	return out
}

// AppendTo writes the member count followed by every schema record.
func (t *Table) AppendTo(b *rio.Buffer) {
	b.WriteUvarint(uint64(t.Len()))
	for _, cs := range t.Schemas() {
		cs.AppendTo(b)
	}
}

// ReadTable decodes a table written by AppendTo.
func ReadTable(b *rio.Buffer) (*Table, error) {
	var n uint64
	b.ReadUvarint(&n)
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: table size: %w", ErrMalformedSchema, err)
	}
	if n > uint64(b.Remaining()) {
		return nil, fmt.Errorf("%w: table claims %d schemas in %d bytes", ErrMalformedSchema, n, b.Remaining())
	}
	t := NewTable()
	for i := uint64(0); i < n; i++ {
		cs, err := ReadClassSchema(b)
		if err != nil {
			return nil, fmt.Errorf("schema %d: %w", i, err)
		}
		if err := t.Add(cs); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) MarshalBinary() ([]byte, error) {
	b := rio.NewBuffer(rio.BUFFER_SIZE)
	t.AppendTo(b)
	return b.Finalize()
}

// UnmarshalBinary replaces the contents of t and rejects trailing bytes.
func (t *Table) UnmarshalBinary(data []byte) error {
	b := rio.NewReadBuffer(data)
	read, err := ReadTable(b)
	if err != nil {
		return err
	}
	if b.Remaining() > 0 {
		return fmt.Errorf("%w: %d bytes after schema table", rio.ErrTrailingData, b.Remaining())
	}
	*t = *read
	return nil
}

func (t *Table) MarshalYAML() (any, error) {
	return t.Schemas(), nil
}

func (t *Table) UnmarshalYAML(node *yaml.Node) error {
	var list []*ClassSchema
	if err := node.Decode(&list); err != nil {
		return err
	}
	read := NewTable()
	for _, cs := range list {
		if err := read.Add(cs); err != nil {
			return err
		}
	}
	*t = *read
	return nil
}
