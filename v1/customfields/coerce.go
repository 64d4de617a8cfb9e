package customfields

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	dateLayout = "2006-1-2"

	storedDateLayout     = "2006-01-02"
	naiveDatetimeLayout  = "2006-01-02T15:04:05"
	storedDatetimeLayout = time.RFC3339
)

// Coercer converts between the stored representation held in
// CustomValue.Value and the native typed value exposed through the synthetic
// attributes. Datetimes are stored in the configured location's offset and
// read back normalized to UTC.
type Coercer struct {
	loc *time.Location
}

// NewCoercer creates a coercer writing datetimes in the given location.
// A nil location falls back to the process-local timezone.
func NewCoercer(loc *time.Location) *Coercer {
	if loc == nil {
		loc = time.Local
	}
	return &Coercer{loc: loc}
}

// Location returns the configured timezone
func (c *Coercer) Location() *time.Location {
	return c.loc
}

// ToNative converts a stored (or inbound JSON) representation to the native
// typed value: string, int, bool, time.Time, or a list of these when the
// field is multiple. A nil input stays nil.
func (c *Coercer) ToNative(f *CustomField, stored interface{}) (interface{}, error) {
	if stored == nil {
		return nil, nil
	}
	if f.Multiple {
		list, ok := stored.([]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q is multiple, expected a list, got %T", f.Identifier, stored)
		}
		out := make([]interface{}, 0, len(list))
		for i, item := range list {
			native, err := c.scalarToNative(f, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, native)
		}
		return out, nil
	}
	return c.scalarToNative(f, stored)
}

func (c *Coercer) scalarToNative(f *CustomField, stored interface{}) (interface{}, error) {
	switch f.FieldType {
	case FieldTypeChar, FieldTypeText:
		s, ok := stored.(string)
		if !ok {
			return nil, fmt.Errorf("field %q expects a string, got %T", f.Identifier, stored)
		}
		return s, nil
	case FieldTypeInteger:
		switch v := stored.(type) {
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("field %q expects an integer: %w", f.Identifier, err)
			}
			return int(n), nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("field %q expects an integer, got %v", f.Identifier, v)
			}
			return int(v), nil
		case int:
			return v, nil
		case int64:
			return int(v), nil
		}
		return nil, fmt.Errorf("field %q expects an integer, got %T", f.Identifier, stored)
	case FieldTypeBoolean:
		b, ok := stored.(bool)
		if !ok {
			return nil, fmt.Errorf("field %q expects a boolean, got %T", f.Identifier, stored)
		}
		return b, nil
	case FieldTypeDate:
		s, ok := stored.(string)
		if !ok {
			return nil, fmt.Errorf("field %q expects a date string, got %T", f.Identifier, stored)
		}
		t, err := time.ParseInLocation(dateLayout, s, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("field %q expects a date in YYYY-MM-DD format: %w", f.Identifier, err)
		}
		return t, nil
	case FieldTypeDatetime:
		s, ok := stored.(string)
		if !ok {
			return nil, fmt.Errorf("field %q expects a datetime string, got %T", f.Identifier, stored)
		}
		t, err := parseDatetime(s)
		if err != nil {
			return nil, fmt.Errorf("field %q expects an ISO-8601 datetime: %w", f.Identifier, err)
		}
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("field %q has unknown type %q", f.Identifier, f.FieldType)
}

// parseDatetime accepts an ISO-8601 datetime with or without an offset.
// Naive datetimes are taken as UTC.
func parseDatetime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveDatetimeLayout, s, time.UTC)
}

// ToStored converts a native typed value to its stored representation: plain
// JSON-encodable data with dates and datetimes rendered as ISO-8601 strings,
// datetimes in the configured location's offset.
func (c *Coercer) ToStored(f *CustomField, native interface{}) (interface{}, error) {
	if native == nil {
		return nil, nil
	}
	if f.Multiple {
		list, ok := native.([]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q is multiple, expected a list, got %T", f.Identifier, native)
		}
		out := make([]interface{}, 0, len(list))
		for i, item := range list {
			stored, err := c.scalarToStored(f, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, stored)
		}
		return out, nil
	}
	return c.scalarToStored(f, native)
}

func (c *Coercer) scalarToStored(f *CustomField, native interface{}) (interface{}, error) {
	switch f.FieldType {
	case FieldTypeChar, FieldTypeText:
		s, ok := native.(string)
		if !ok {
			return nil, fmt.Errorf("field %q expects a string, got %T", f.Identifier, native)
		}
		return s, nil
	case FieldTypeInteger:
		n, err := c.scalarToNative(f, native)
		if err != nil {
			return nil, err
		}
		return n, nil
	case FieldTypeBoolean:
		b, ok := native.(bool)
		if !ok {
			return nil, fmt.Errorf("field %q expects a boolean, got %T", f.Identifier, native)
		}
		return b, nil
	case FieldTypeDate:
		t, err := c.nativeTime(f, native)
		if err != nil {
			return nil, err
		}
		return t.Format(storedDateLayout), nil
	case FieldTypeDatetime:
		t, err := c.nativeTime(f, native)
		if err != nil {
			return nil, err
		}
		return t.In(c.loc).Format(storedDatetimeLayout), nil
	}
	return nil, fmt.Errorf("field %q has unknown type %q", f.Identifier, f.FieldType)
}

// nativeTime accepts a time.Time or a string in the field's inbound format
func (c *Coercer) nativeTime(f *CustomField, native interface{}) (time.Time, error) {
	switch v := native.(type) {
	case time.Time:
		return v, nil
	case string:
		parsed, err := c.scalarToNative(f, v)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.(time.Time), nil
	}
	return time.Time{}, fmt.Errorf("field %q expects a time value, got %T", f.Identifier, native)
}

// DefaultNative returns the field's default value coerced to its native type,
// or nil when the field declares no default
func (c *Coercer) DefaultNative(f *CustomField) (interface{}, error) {
	if f.Default == nil {
		return nil, nil
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(*f.Default), &decoded); err != nil {
		// Defaults for string-ish types are stored unquoted
		decoded = *f.Default
	}
	return c.ToNative(f, decoded)
}

// RenderChoice renders a choice value as its external representation
func (c *Coercer) RenderChoice(v *CustomValue) map[string]interface{} {
	var label interface{}
	if v.Text != nil {
		label = *v.Text
	}
	return map[string]interface{}{
		"id":    v.ID,
		"label": label,
		"value": v.Value.V,
	}
}
