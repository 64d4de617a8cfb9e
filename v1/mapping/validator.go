package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/civic-dx/register-backend/v1/customfields"
)

// FieldSource answers custom-field metadata questions for the validator
type FieldSource interface {
	// HasField reports whether the identifier names a custom field of the
	// entity type
	HasField(entityType, identifier string) (bool, error)
	// RequiredIdentifiers returns the identifiers of the entity type's
	// required custom fields
	RequiredIdentifiers(entityType string) ([]string, error)
}

// Options are the validator's independent strictness toggles
type Options struct {
	// ValidateRequired fails when a required field has no mapping entry
	ValidateRequired bool
	// AllowRelations permits internal paths that traverse or target
	// relations
	AllowRelations bool
	// ValidateCustomFields accepts custom field identifiers as terminal
	// path segments
	ValidateCustomFields bool
	// ValidateKey resolves the external paths as flat field names
	ValidateKey bool
	// ValidateValue resolves the internal paths
	ValidateValue bool
	// RelationSeparator splits internal paths, "." when empty
	RelationSeparator string
}

// DefaultOptions mirror the strict production configuration
func DefaultOptions() Options {
	return Options{
		ValidateRequired:     true,
		AllowRelations:       true,
		ValidateCustomFields: true,
		ValidateKey:          false,
		ValidateValue:        true,
		RelationSeparator:    ".",
	}
}

// InvalidFieldError reports a path segment that names neither a native field,
// a custom field nor a relation
type InvalidFieldError struct {
	EntityType string
	Field      string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("Invalid field '%s' for entity type '%s'.", e.Field, e.EntityType)
}

// InvalidNestingError reports a path that traverses through a generic
// relation. Generic relations have no fixed target type, so they can only be
// a terminal segment.
type InvalidNestingError struct {
	EntityType string
	Field      string
}

func (e *InvalidNestingError) Error() string {
	return fmt.Sprintf("Field '%s.%s' is a generic relation and cannot be nested.", e.EntityType, e.Field)
}

// RelationNotAllowedError reports a relation segment in a configuration that
// forbids relation traversal
type RelationNotAllowedError struct {
	EntityType string
	Field      string
}

func (e *RelationNotAllowedError) Error() string {
	return fmt.Sprintf("Field '%s.%s' is a relation and cannot be assigned.", e.EntityType, e.Field)
}

// MissingRequiredFieldError reports a required field with no mapping entry
type MissingRequiredFieldError struct {
	EntityType string
	Field      string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("Required field '%s' not found in field mapping.", e.Field)
}

// Validator statically checks a mapping table against the entity registry's
// field metadata. It reads field definitions only, never data rows.
type Validator struct {
	registry *customfields.Registry
	fields   FieldSource
	opts     Options
}

// NewValidator creates a validator over the registry and field source
func NewValidator(registry *customfields.Registry, fields FieldSource, opts Options) *Validator {
	if opts.RelationSeparator == "" {
		opts.RelationSeparator = "."
	}
	return &Validator{registry: registry, fields: fields, opts: opts}
}

// Validate walks every mapping entry and returns the first violation found,
// in deterministic order
func (v *Validator) Validate(t *Table) error {
	entityTypes := make([]string, 0, len(t.Entities))
	for entityType := range t.Entities {
		entityTypes = append(entityTypes, entityType)
	}
	sort.Strings(entityTypes)

	for _, entityType := range entityTypes {
		if err := v.validateEntity(entityType, t.Entities[entityType]); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateEntity(entityType string, entries map[string]string) error {
	desc, err := v.registry.Resolve(entityType)
	if err != nil {
		return err
	}

	externals := make([]string, 0, len(entries))
	for external := range entries {
		externals = append(externals, external)
	}
	sort.Strings(externals)

	mapped := make(map[string]bool)
	for _, external := range externals {
		if v.opts.ValidateValue {
			path := entries[external]
			if err := v.validatePath(desc, path, v.opts.RelationSeparator); err != nil {
				return err
			}
			mapped[firstSegment(path, v.opts.RelationSeparator)] = true
		}
		if v.opts.ValidateKey {
			if err := v.validatePath(desc, external, "."); err != nil {
				return err
			}
			mapped[firstSegment(external, ".")] = true
		}
	}

	if v.opts.ValidateRequired {
		return v.validateRequired(desc, mapped)
	}
	return nil
}

// validatePath resolves a dotted path one segment at a time through the
// entity's native fields and relations
func (v *Validator) validatePath(desc *customfields.Descriptor, path, separator string) error {
	segments := strings.Split(path, separator)
	for i, segment := range segments {
		last := i == len(segments)-1
		field := desc.Field(segment)

		if field == nil {
			if v.opts.ValidateCustomFields && last {
				ok, err := v.fields.HasField(desc.TypeTag, segment)
				if err != nil {
					return err
				}
				if ok {
					return nil
				}
			}
			return &InvalidFieldError{EntityType: desc.TypeTag, Field: segment}
		}

		if field.RelatedTo == "" && !field.Generic {
			// Scalar fields end the path
			if !last {
				return &InvalidFieldError{EntityType: desc.TypeTag, Field: segments[i+1]}
			}
			return nil
		}

		if !v.opts.AllowRelations {
			return &RelationNotAllowedError{EntityType: desc.TypeTag, Field: segment}
		}
		if last {
			return nil
		}
		if field.Generic {
			return &InvalidNestingError{EntityType: desc.TypeTag, Field: segment}
		}

		next, err := v.registry.Resolve(field.RelatedTo)
		if err != nil {
			return err
		}
		desc = next
	}
	return nil
}

// validateRequired checks every required native and custom field has a
// mapping entry whose path starts at that field
func (v *Validator) validateRequired(desc *customfields.Descriptor, mapped map[string]bool) error {
	for _, field := range desc.NativeFields {
		if field.Required && !mapped[field.Name] {
			return &MissingRequiredFieldError{EntityType: desc.TypeTag, Field: field.Name}
		}
	}
	if v.opts.ValidateCustomFields {
		required, err := v.fields.RequiredIdentifiers(desc.TypeTag)
		if err != nil {
			return err
		}
		for _, identifier := range required {
			if !mapped[identifier] {
				return &MissingRequiredFieldError{EntityType: desc.TypeTag, Field: identifier}
			}
		}
	}
	return nil
}

func firstSegment(path, separator string) string {
	if idx := strings.Index(path, separator); idx >= 0 {
		return path[:idx]
	}
	return path
}
