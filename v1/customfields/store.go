package customfields

import (
	"fmt"
	"strconv"

	"gorm.io/gorm"
)

// Store is the database-backed side of the custom field system: field
// definition lookups, value loading, choice resolution and the buffered-save
// path. Field definitions are read on each lookup so admin changes take
// effect without a restart.
type Store struct {
	db       *gorm.DB
	registry *Registry
	coercer  *Coercer
	// enabled gates per-entity-type participation, nil means always on
	enabled func(entityType string) (bool, error)
}

// NewStore creates a store over the given connection, entity registry and
// coercer
func NewStore(db *gorm.DB, registry *Registry, coercer *Coercer) *Store {
	return &Store{db: db, registry: registry, coercer: coercer}
}

// SetEnabledCheck installs the runtime participation toggle. When the check
// reports an entity type as disabled, instances of it annotate with no known
// fields, so reads and writes of custom values become no-ops.
func (s *Store) SetEnabledCheck(fn func(entityType string) (bool, error)) {
	s.enabled = fn
}

// Registry returns the entity descriptor registry
func (s *Store) Registry() *Registry {
	return s.registry
}

// Coercer returns the typed coercion layer
func (s *Store) Coercer() *Coercer {
	return s.coercer
}

// FieldsFor returns the field definitions applicable to an entity type and
// subtype: fields scoped to the whole type plus fields scoped to exactly this
// subtype, in display order.
func (s *Store) FieldsFor(tx *gorm.DB, entityType string, subtypeID *uint) ([]CustomField, error) {
	var fields []CustomField
	query := tx.Where("entity_type = ?", entityType)
	if subtypeID == nil {
		query = query.Where("subtype_id IS NULL")
	} else {
		query = query.Where("subtype_id IS NULL OR subtype_id = ?", *subtypeID)
	}
	if err := query.Order("display_order, created_at").Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("failed to load custom fields for %q: %w", entityType, err)
	}
	return fields, nil
}

// HasField reports whether a custom field with the identifier exists for the
// entity type, in any subtype scope
func (s *Store) HasField(entityType, identifier string) (bool, error) {
	var count int64
	err := s.db.Model(&CustomField{}).
		Where("entity_type = ? AND identifier = ?", entityType, identifier).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up custom field %q: %w", identifier, err)
	}
	return count > 0, nil
}

// RequiredIdentifiers returns the identifiers of the entity type's required
// custom fields, across all subtype scopes
func (s *Store) RequiredIdentifiers(entityType string) ([]string, error) {
	var identifiers []string
	err := s.db.Model(&CustomField{}).
		Where("entity_type = ? AND required = ?", entityType, true).
		Order("identifier").
		Pluck("identifier", &identifiers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list required custom fields for %q: %w", entityType, err)
	}
	return identifiers, nil
}

// Load annotates the instance with its applicable field definitions and its
// stored value rows
func (s *Store) Load(owner Owner) error {
	return s.LoadTx(s.db, owner)
}

// LoadTx is Load within a caller-supplied transaction
func (s *Store) LoadTx(tx *gorm.DB, owner Owner) error {
	desc, err := s.registry.Resolve(owner.EntityType())
	if err != nil {
		return err
	}
	if s.enabled != nil {
		on, err := s.enabled(owner.EntityType())
		if err != nil {
			return fmt.Errorf("failed to check custom field participation for %q: %w", owner.EntityType(), err)
		}
		if !on {
			owner.Custom().annotate(nil, nil, s.coercer)
			return nil
		}
	}
	fields, err := s.FieldsFor(tx, owner.EntityType(), owner.EntitySubtypeID())
	if err != nil {
		return err
	}

	var values []CustomValue
	if owner.EntityID() != 0 && desc.HasCustomValues() {
		err := tx.Preload("Field").
			Joins(fmt.Sprintf("JOIN %s j ON j.custom_value_id = custom_values.id", desc.JoinTable)).
			Where(fmt.Sprintf("j.%s = ?", desc.OwnerColumn), owner.EntityID()).
			Order("j.position, custom_values.value_order, custom_values.created_at").
			Find(&values).Error
		if err != nil {
			return fmt.Errorf("failed to load custom values for %s %d: %w", owner.EntityType(), owner.EntityID(), err)
		}
	}

	owner.Custom().annotate(fields, values, s.coercer)
	return nil
}

// Refresh re-annotates the instance. Needed after field definitions change,
// since the known-field set is derived once per load and cached on the
// instance.
func (s *Store) Refresh(owner Owner) error {
	return s.Load(owner)
}

// ChoicesByIDs resolves choice value rows by id, preserving the input order.
// Every missing id is reported in one LookupError.
func (s *Store) ChoicesByIDs(tx *gorm.DB, ids []uint) ([]CustomValue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []CustomValue
	if err := tx.Preload("Field").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve choice values: %w", err)
	}

	byID := make(map[uint]CustomValue, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	ordered := make([]CustomValue, 0, len(ids))
	var missing []string
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			missing = append(missing, strconv.FormatUint(uint64(id), 10))
			continue
		}
		ordered = append(ordered, row)
	}
	if len(missing) > 0 {
		return nil, &LookupError{Resource: "custom value", MissingIDs: missing}
	}
	return ordered, nil
}

// ChoicesByValues resolves choice rows of one field by their stored values,
// preserving the input order. Partner systems address choices by value, not
// by id. Every unmatched value is reported in one LookupError.
func (s *Store) ChoicesByValues(tx *gorm.DB, fieldID uint, values []interface{}) ([]CustomValue, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var rows []CustomValue
	if err := tx.Preload("Field").Where("field_id = ?", fieldID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve choice values: %w", err)
	}

	ordered := make([]CustomValue, 0, len(values))
	var missing []string
	for _, value := range values {
		found := false
		for i := range rows {
			// Compare through the string form so numeric values match
			// regardless of how the driver decoded them
			if fmt.Sprintf("%v", rows[i].Value.V) == fmt.Sprintf("%v", value) {
				ordered = append(ordered, rows[i])
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, fmt.Sprintf("%v", value))
		}
	}
	if len(missing) > 0 {
		return nil, &LookupError{Resource: "custom value", MissingIDs: missing}
	}
	return ordered, nil
}

// Save drains the instance's pending-write buffer inside the caller's
// transaction. Non-choice writes upsert exactly one value row per field;
// choice writes attach pre-existing value rows. The association ends up as
// the union of retained rows for untouched fields and the new rows, in field
// order; afterwards the buffer is empty.
func (s *Store) Save(tx *gorm.DB, owner Owner) error {
	m := owner.Custom()
	pending := m.pendingWrites()
	if len(pending) == 0 {
		return nil
	}
	if owner.EntityID() == 0 {
		return fmt.Errorf("cannot save custom values for unsaved %s instance", owner.EntityType())
	}
	desc, err := s.registry.Resolve(owner.EntityType())
	if err != nil {
		return err
	}
	if !desc.HasCustomValues() {
		return &ConfigError{Detail: fmt.Sprintf("entity type %q has no custom value association", owner.EntityType())}
	}
	if !m.loaded {
		if err := s.LoadTx(tx, owner); err != nil {
			return err
		}
	}

	for identifier := range pending {
		if m.fieldByIdentifier(identifier) == nil {
			return &UnknownFieldError{EntityType: owner.EntityType(), Identifier: identifier}
		}
	}

	var final []CustomValue
	for i := range m.fields {
		f := m.fields[i]
		value, touched := pending[f.Identifier]
		if !touched {
			final = append(final, m.valueRows(f.ID)...)
			continue
		}

		if f.ChoiceField {
			attached, err := choiceRows(&f, value)
			if err != nil {
				return err
			}
			final = append(final, attached...)
			continue
		}

		rows := m.valueRows(f.ID)
		if value == nil {
			// Explicit clear: drop the data row entirely
			for j := range rows {
				if err := tx.Delete(&rows[j]).Error; err != nil {
					return fmt.Errorf("failed to delete custom value for %q: %w", f.Identifier, err)
				}
			}
			continue
		}

		stored, err := s.coercer.ToStored(&f, value)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			row := rows[0]
			row.Value = JSONValue{V: stored}
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("failed to update custom value for %q: %w", f.Identifier, err)
			}
			final = append(final, row)
		} else {
			row := CustomValue{FieldID: f.ID, Value: JSONValue{V: stored}}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create custom value for %q: %w", f.Identifier, err)
			}
			final = append(final, row)
		}
	}

	if err := s.replaceAssociation(tx, desc, owner.EntityID(), final); err != nil {
		return err
	}
	m.drain(final)
	return nil
}

// choiceRows normalizes a buffered choice write into the rows to attach
func choiceRows(f *CustomField, value interface{}) ([]CustomValue, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *CustomValue:
		if v == nil {
			return nil, nil
		}
		return []CustomValue{*v}, nil
	case CustomValue:
		return []CustomValue{v}, nil
	case []CustomValue:
		if !f.MultipleChoice && len(v) > 1 {
			return nil, fmt.Errorf("field %q accepts a single choice, got %d", f.Identifier, len(v))
		}
		return v, nil
	}
	return nil, fmt.Errorf("field %q expects choice value references, got %T", f.Identifier, value)
}

// replaceAssociation rebuilds the entity's join rows so their stored position
// reflects the final value order
func (s *Store) replaceAssociation(tx *gorm.DB, desc *Descriptor, ownerID uint, values []CustomValue) error {
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", desc.JoinTable, desc.OwnerColumn)
	if err := tx.Exec(deleteSQL, ownerID).Error; err != nil {
		return fmt.Errorf("failed to clear custom value association: %w", err)
	}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s, custom_value_id, position) VALUES (?, ?, ?)",
		desc.JoinTable, desc.OwnerColumn)
	for i := range values {
		if err := tx.Exec(insertSQL, ownerID, values[i].ID, i).Error; err != nil {
			return fmt.Errorf("failed to attach custom value %d: %w", values[i].ID, err)
		}
	}
	return nil
}
