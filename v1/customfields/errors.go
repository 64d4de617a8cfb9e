package customfields

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// ErrNotLoaded is returned when a synthetic attribute is read on an instance
// whose custom fields have not been annotated yet
var ErrNotLoaded = errors.New("custom fields not loaded for instance")

// ConfigError reports a broken entity or model configuration. It is fatal at
// startup and never recoverable per-request.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "custom field configuration error: " + e.Detail
}

// UnknownFieldError reports a read or write against an identifier that is not
// a known custom field for the entity type
type UnknownFieldError struct {
	EntityType string
	Identifier string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown custom field %q for entity type %q", e.Identifier, e.EntityType)
}

// FieldErrors aggregates per-field validation failures so a response can list
// every violated field, not just the first
type FieldErrors map[string][]string

func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return "validation failed for fields: " + strings.Join(fields, ", ")
}

// Add appends a message for a field
func (e FieldErrors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// LookupError reports referenced ids that do not exist, listing every missing
// id in one pass
type LookupError struct {
	Resource   string
	MissingIDs []string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.MissingIDs, ", "))
}

// ConstraintViolationError reports a uniqueness violation, e.g. a duplicate
// field identifier within its scope or a natural-key race lost at commit time
type ConstraintViolationError struct {
	Detail string
}

func (e *ConstraintViolationError) Error() string {
	return "constraint violation: " + e.Detail
}

// IsConstraintViolation reports whether err is a uniqueness violation, either
// our own or one surfaced by the database driver
func IsConstraintViolation(err error) bool {
	var cv *ConstraintViolationError
	if errors.As(err, &cv) {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
