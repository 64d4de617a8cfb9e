package customfields

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Serializer applies inbound JSON payloads to an instance's custom fields and
// renders them back out. Custom fields appear as top-level synthetic keys
// named by their identifier; choice fields additionally accept a write-only
// "{identifier}_id" key carrying a raw id or list of ids.
type Serializer struct {
	store *Store
}

// NewSerializer creates a serializer over the store
func NewSerializer(store *Store) *Serializer {
	return &Serializer{store: store}
}

// Apply validates the custom-field portion of a payload and buffers the
// resulting writes on the instance. partial marks an update: absent keys leave
// values untouched and no defaults are applied. Validation failures across all
// fields are aggregated into one FieldErrors so the response can list every
// violation.
func (s *Serializer) Apply(tx *gorm.DB, owner Owner, payload map[string]interface{}, partial bool) error {
	m := owner.Custom()
	if !m.Loaded() {
		if err := s.store.LoadTx(tx, owner); err != nil {
			return err
		}
	}

	errs := FieldErrors{}
	for _, f := range m.KnownFields() {
		if f.ChoiceField {
			s.applyChoice(tx, owner, &f, payload, partial, errs)
			continue
		}
		s.applyValue(owner, &f, payload, partial, errs)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s *Serializer) applyValue(owner Owner, f *CustomField, payload map[string]interface{}, partial bool, errs FieldErrors) {
	raw, present := payload[f.Identifier]
	if !present {
		if partial {
			return
		}
		if f.Required && f.Default == nil {
			errs.Add(f.Identifier, "This field is required.")
			return
		}
		if f.Default != nil {
			native, err := s.store.Coercer().DefaultNative(f)
			if err != nil {
				errs.Add(f.Identifier, err.Error())
				return
			}
			owner.Custom().Set(f.Identifier, native)
		}
		return
	}

	if raw == nil {
		if !f.AllowNull {
			errs.Add(f.Identifier, "This field may not be null.")
			return
		}
		owner.Custom().Set(f.Identifier, nil)
		return
	}
	if str, ok := raw.(string); ok && str == "" && !f.AllowBlank {
		errs.Add(f.Identifier, "This field may not be blank.")
		return
	}

	native, err := s.store.Coercer().ToNative(f, raw)
	if err != nil {
		errs.Add(f.Identifier, err.Error())
		return
	}
	owner.Custom().Set(f.Identifier, native)
}

func (s *Serializer) applyChoice(tx *gorm.DB, owner Owner, f *CustomField, payload map[string]interface{}, partial bool, errs FieldErrors) {
	raw, present := payload[f.Identifier+"_id"]
	if !present {
		// Mapping-resolved payloads address choice fields by their plain
		// identifier
		raw, present = payload[f.Identifier]
	}
	if !present {
		if !partial && f.Required {
			errs.Add(f.Identifier, "This field is required.")
		}
		return
	}

	if raw == nil {
		if !f.AllowNull {
			errs.Add(f.Identifier, "This field may not be null.")
			return
		}
		owner.Custom().Set(f.Identifier, nil)
		return
	}

	ids, isList, err := choiceIDs(raw)
	if err != nil {
		errs.Add(f.Identifier, err.Error())
		return
	}
	if isList && !f.MultipleChoice {
		errs.Add(f.Identifier, "This field accepts a single choice, not a list.")
		return
	}
	if len(ids) == 0 {
		// Explicit empty list clears a multiple choice field
		owner.Custom().Set(f.Identifier, []CustomValue{})
		return
	}

	rows, err := s.store.ChoicesByIDs(tx, ids)
	if err != nil {
		errs.Add(f.Identifier, err.Error())
		return
	}
	for i := range rows {
		if rows[i].FieldID != f.ID {
			errs.Add(f.Identifier, fmt.Sprintf("Custom value %d does not belong to field %q.", rows[i].ID, f.Identifier))
		}
	}
	if len(errs[f.Identifier]) > 0 {
		return
	}
	if f.MultipleChoice {
		owner.Custom().Set(f.Identifier, rows)
		return
	}
	owner.Custom().Set(f.Identifier, &rows[0])
}

// choiceIDs extracts referenced value ids from a choice payload entry: a raw
// id, an {id: ...} object, or a list of either
func choiceIDs(raw interface{}) ([]uint, bool, error) {
	if list, ok := raw.([]interface{}); ok {
		ids := make([]uint, 0, len(list))
		for _, item := range list {
			id, err := choiceID(item)
			if err != nil {
				return nil, true, err
			}
			ids = append(ids, id)
		}
		return ids, true, nil
	}
	id, err := choiceID(raw)
	if err != nil {
		return nil, false, err
	}
	return []uint{id}, false, nil
}

func choiceID(raw interface{}) (uint, error) {
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err == nil && n >= 0 {
			return uint(n), nil
		}
	case float64:
		if v >= 0 && v == float64(int64(v)) {
			return uint(v), nil
		}
	case int:
		if v >= 0 {
			return uint(v), nil
		}
	case uint:
		return v, nil
	case map[string]interface{}:
		if id, ok := v["id"]; ok {
			return choiceID(id)
		}
	}
	return 0, fmt.Errorf("The given value %v is not a valid choice reference. Expected an id or a list of ids.", raw)
}

// Render produces the custom-field portion of the instance's read
// representation: one top-level key per applicable field. Choice fields render
// as {id, label, value} objects, dates and datetimes as ISO-8601 strings with
// datetimes normalized to UTC.
func (s *Serializer) Render(owner Owner) (map[string]interface{}, error) {
	m := owner.Custom()
	if !m.Loaded() {
		return nil, ErrNotLoaded
	}

	out := make(map[string]interface{})
	coercer := s.store.Coercer()
	for _, f := range m.KnownFields() {
		value, err := m.Get(f.Identifier)
		if err != nil {
			return nil, err
		}
		if f.ChoiceField {
			out[f.Identifier] = renderChoiceValue(coercer, f, value)
			continue
		}
		out[f.Identifier] = renderNative(&f, value)
	}
	return out, nil
}

func renderChoiceValue(coercer *Coercer, f CustomField, value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		if f.MultipleChoice {
			return []interface{}{}
		}
		return nil
	case *CustomValue:
		if v == nil {
			return nil
		}
		return coercer.RenderChoice(v)
	case []CustomValue:
		rendered := make([]interface{}, 0, len(v))
		for i := range v {
			rendered = append(rendered, coercer.RenderChoice(&v[i]))
		}
		return rendered
	}
	return nil
}

// renderNative converts a native value to its JSON representation
func renderNative(f *CustomField, value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		if f.FieldType == FieldTypeDate {
			return v.Format(storedDateLayout)
		}
		return v.UTC().Format(time.RFC3339)
	case []interface{}:
		rendered := make([]interface{}, 0, len(v))
		for _, item := range v {
			rendered = append(rendered, renderNative(f, item))
		}
		return rendered
	}
	return value
}
