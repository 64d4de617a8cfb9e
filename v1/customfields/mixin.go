package customfields

import (
	"sort"
)

// Owner is implemented by entity models that carry custom field values
type Owner interface {
	// EntityType returns the lower-case type tag the entity is registered
	// under, e.g. "person"
	EntityType() string
	// EntityID returns the primary key, zero before the first save
	EntityID() uint
	// EntitySubtypeID returns the id of the instance's subtype, when the
	// entity type declares one
	EntitySubtypeID() *uint
	// Custom returns the instance's custom field state
	Custom() *Mixin
}

// Mixin gives an entity instance lazy, typed, buffered access to its custom
// field values. Reads never touch the database once the instance is loaded;
// writes go to a pending buffer drained by Store.Save. Instances and their
// buffers are request-local and not safe for concurrent use.
type Mixin struct {
	pending map[string]interface{}
	fields  []CustomField
	values  []CustomValue
	coercer *Coercer
	loaded  bool
}

// Set buffers a native-typed value for the identifier. No database access
// occurs; the write is persisted by Store.Save. Writing nil (or an empty list
// for a multiple choice field) clears the value on save.
func (m *Mixin) Set(identifier string, value interface{}) {
	if m.pending == nil {
		m.pending = make(map[string]interface{})
	}
	m.pending[identifier] = value
}

// Get returns the native value for the identifier: the pending write if one
// is buffered, otherwise the value derived from the stored rows. Non-multiple
// non-choice fields fall back to the field's coerced default. Choice fields
// yield the linked *CustomValue (or []CustomValue when multiple choice).
func (m *Mixin) Get(identifier string) (interface{}, error) {
	if v, ok := m.pending[identifier]; ok {
		return v, nil
	}
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	f := m.fieldByIdentifier(identifier)
	if f == nil {
		return nil, &UnknownFieldError{Identifier: identifier}
	}
	rows := m.valueRows(f.ID)

	if f.ChoiceField {
		if f.MultipleChoice {
			out := make([]CustomValue, len(rows))
			copy(out, rows)
			return out, nil
		}
		if len(rows) == 0 {
			return nil, nil
		}
		row := rows[0]
		return &row, nil
	}

	if len(rows) == 0 {
		if f.Multiple {
			return nil, nil
		}
		return m.coercer.DefaultNative(f)
	}
	return m.coercer.ToNative(f, rows[0].Value.V)
}

// Known returns the identifiers of all custom fields applicable to the
// instance, sorted. It reflects the state at the last load; call
// Store.Refresh after field definitions change.
func (m *Mixin) Known() []string {
	keys := make([]string, 0, len(m.fields))
	for i := range m.fields {
		keys = append(keys, m.fields[i].Identifier)
	}
	sort.Strings(keys)
	return keys
}

// KnownFields returns the applicable field definitions in display order
func (m *Mixin) KnownFields() []CustomField {
	out := make([]CustomField, len(m.fields))
	copy(out, m.fields)
	return out
}

// Loaded reports whether the instance has been annotated with its custom
// fields and values
func (m *Mixin) Loaded() bool {
	return m.loaded
}

// PendingLen returns the number of buffered writes
func (m *Mixin) PendingLen() int {
	return len(m.pending)
}

// Values returns the stored value rows currently associated with the
// instance, in join order
func (m *Mixin) Values() []CustomValue {
	out := make([]CustomValue, len(m.values))
	copy(out, m.values)
	return out
}

func (m *Mixin) fieldByIdentifier(identifier string) *CustomField {
	for i := range m.fields {
		if m.fields[i].Identifier == identifier {
			return &m.fields[i]
		}
	}
	return nil
}

func (m *Mixin) valueRows(fieldID uint) []CustomValue {
	var rows []CustomValue
	for i := range m.values {
		if m.values[i].FieldID == fieldID {
			rows = append(rows, m.values[i])
		}
	}
	return rows
}

// annotate installs the loaded field definitions and value rows
func (m *Mixin) annotate(fields []CustomField, values []CustomValue, coercer *Coercer) {
	m.fields = fields
	m.values = values
	m.coercer = coercer
	m.loaded = true
}

// drain empties the pending buffer after a successful save
func (m *Mixin) drain(values []CustomValue) {
	m.values = values
	m.pending = nil
}

// pendingWrites exposes the buffer to the store
func (m *Mixin) pendingWrites() map[string]interface{} {
	return m.pending
}
