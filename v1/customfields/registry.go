package customfields

import (
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// NativeField describes one statically-defined field of an entity type, as
// far as the mapping and validation layers need to know about it
type NativeField struct {
	Name     string
	Required bool
	// RelatedTo names the target entity type when the field is a foreign
	// relation, empty for scalars
	RelatedTo string
	// Generic marks a relation whose target type is not fixed at the
	// schema level. Generic relations may only be a terminal mapping
	// target, never an intermediate hop.
	Generic bool
	// NaturalKey names the field used to find-or-create the related entity
	// when a mapping addresses it by value instead of by id
	NaturalKey string
}

// RelationAccessor resolves a related entity by a natural key field. Entity
// packages register concrete implementations; the core never reflects over
// live types. The key is the descriptor's NaturalKey unless the caller
// overrides it, e.g. through a mapping table's unique_field option.
type RelationAccessor interface {
	// Find returns the id of the entity whose key field equals value, or an
	// error when no such entity exists
	Find(tx *gorm.DB, key string, value interface{}) (uint, error)
	// FindOrCreate returns the id of the entity whose key field equals
	// value, creating the entity when absent
	FindOrCreate(tx *gorm.DB, key string, value interface{}) (uint, error)
}

// Descriptor describes one entity type participating in custom fields and
// mapping: its type tag, custom-value join table, native field metadata and
// an optional accessor for natural-key resolution when the entity is the
// target of a relation path.
type Descriptor struct {
	TypeTag string
	// JoinTable and OwnerColumn locate the entity's custom-value
	// association, e.g. "person_custom_values" / "person_id". Empty when
	// the entity type does not carry custom values.
	JoinTable    string
	OwnerColumn  string
	NativeFields []NativeField
	Accessor     RelationAccessor
}

// Field returns the native field metadata by name, or nil
func (d *Descriptor) Field(name string) *NativeField {
	for i := range d.NativeFields {
		if d.NativeFields[i].Name == name {
			return &d.NativeFields[i]
		}
	}
	return nil
}

// HasCustomValues reports whether the entity type carries custom values
func (d *Descriptor) HasCustomValues() bool {
	return d.JoinTable != ""
}

// Registry maps entity type tags to their descriptors. It is built explicitly
// at startup and passed by reference; nothing is derived from runtime
// reflection.
type Registry struct {
	descriptors map[string]*Descriptor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Registering the same type tag twice is a
// configuration error.
func (r *Registry) Register(d *Descriptor) error {
	if d.TypeTag == "" {
		return &ConfigError{Detail: "descriptor has no type tag"}
	}
	if _, exists := r.descriptors[d.TypeTag]; exists {
		return &ConfigError{Detail: fmt.Sprintf("entity type %q registered twice", d.TypeTag)}
	}
	r.descriptors[d.TypeTag] = d
	return nil
}

// Resolve returns the descriptor for a type tag
func (r *Registry) Resolve(typeTag string) (*Descriptor, error) {
	d, ok := r.descriptors[typeTag]
	if !ok {
		return nil, &ConfigError{Detail: fmt.Sprintf("entity type %q is not registered", typeTag)}
	}
	return d, nil
}

// TypeTags returns all registered type tags, sorted
func (r *Registry) TypeTags() []string {
	tags := make([]string, 0, len(r.descriptors))
	for tag := range r.descriptors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Check verifies the registry is internally consistent: every relation target
// referenced by a native field must itself be registered, and relation fields
// addressed by natural key need an accessor on their target. Fatal at
// startup when it fails.
func (r *Registry) Check() error {
	for tag, d := range r.descriptors {
		for _, f := range d.NativeFields {
			if f.RelatedTo == "" || f.Generic {
				continue
			}
			target, ok := r.descriptors[f.RelatedTo]
			if !ok {
				return &ConfigError{Detail: fmt.Sprintf(
					"field %q of entity type %q references unregistered entity type %q",
					f.Name, tag, f.RelatedTo)}
			}
			if f.NaturalKey != "" && target.Accessor == nil {
				return &ConfigError{Detail: fmt.Sprintf(
					"entity type %q is addressed by natural key %q but has no accessor",
					f.RelatedTo, f.NaturalKey)}
			}
		}
	}
	return nil
}
