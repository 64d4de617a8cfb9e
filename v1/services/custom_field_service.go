package services

import (
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/v1/customfields"
)

// CustomFieldService handles the admin operations on field definitions and
// their choice values
type CustomFieldService struct {
	db    *gorm.DB
	store *customfields.Store
}

// NewCustomFieldService creates a new custom field service
func NewCustomFieldService(db *gorm.DB, store *customfields.Store) *CustomFieldService {
	return &CustomFieldService{db: db, store: store}
}

// CreateCustomFieldRequest carries the writable attributes of a field
// definition
type CreateCustomFieldRequest struct {
	EntityType     string  `json:"entityType"`
	SubtypeID      *uint   `json:"subtypeId"`
	Identifier     string  `json:"identifier"`
	Label          string  `json:"label"`
	FieldType      string  `json:"fieldType"`
	Multiple       bool    `json:"multiple"`
	ChoiceField    bool    `json:"choiceField"`
	MultipleChoice bool    `json:"multipleChoice"`
	Required       bool    `json:"required"`
	AllowBlank     *bool   `json:"allowBlank"`
	AllowNull      *bool   `json:"allowNull"`
	Default        *string `json:"default"`
	Order          int     `json:"order"`
	Hidden         bool    `json:"hidden"`
	Editable       *bool   `json:"editable"`
	ExternalKey    *string `json:"externalKey"`
}

// UpdateCustomFieldRequest carries a partial field definition update. Nil
// means untouched.
type UpdateCustomFieldRequest struct {
	Label       *string `json:"label"`
	Required    *bool   `json:"required"`
	AllowBlank  *bool   `json:"allowBlank"`
	AllowNull   *bool   `json:"allowNull"`
	Default     *string `json:"default"`
	Order       *int    `json:"order"`
	Hidden      *bool   `json:"hidden"`
	Editable    *bool   `json:"editable"`
	ExternalKey *string `json:"externalKey"`
}

// CreateChoiceRequest adds one selectable value to a choice field
type CreateChoiceRequest struct {
	Label *string     `json:"label"`
	Value interface{} `json:"value"`
}

// CreateField validates and stores a new field definition. A colliding
// identifier within the entity-type and subtype scope is a constraint
// violation.
func (s *CustomFieldService) CreateField(req *CreateCustomFieldRequest) (*customfields.CustomField, error) {
	if req.Identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}
	if _, err := s.store.Registry().Resolve(req.EntityType); err != nil {
		return nil, err
	}
	fieldType := customfields.FieldType(req.FieldType)
	if !fieldType.Valid() {
		return nil, fmt.Errorf("unknown field type %q", req.FieldType)
	}

	field := customfields.CustomField{
		EntityType:     req.EntityType,
		SubtypeID:      req.SubtypeID,
		Identifier:     req.Identifier,
		Label:          req.Label,
		FieldType:      fieldType,
		Multiple:       req.Multiple,
		ChoiceField:    req.ChoiceField,
		MultipleChoice: req.MultipleChoice,
		Required:       req.Required,
		AllowBlank:     true,
		AllowNull:      true,
		Default:        req.Default,
		Order:          req.Order,
		Hidden:         req.Hidden,
		Editable:       true,
	}
	if req.AllowBlank != nil {
		field.AllowBlank = *req.AllowBlank
	}
	if req.AllowNull != nil {
		field.AllowNull = *req.AllowNull
	}
	if req.Editable != nil {
		field.Editable = *req.Editable
	}
	if req.ExternalKey != nil {
		field.ExternalKey = req.ExternalKey
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// The unique index is the backstop; this check gives a clean error
		// for the common case, including the NULL-subtype scope the index
		// cannot cover on its own
		var count int64
		query := tx.Model(&customfields.CustomField{}).
			Where("entity_type = ? AND identifier = ?", field.EntityType, field.Identifier)
		if field.SubtypeID == nil {
			query = query.Where("subtype_id IS NULL")
		} else {
			query = query.Where("subtype_id = ?", *field.SubtypeID)
		}
		if err := query.Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check identifier uniqueness: %w", err)
		}
		if count > 0 {
			return &customfields.ConstraintViolationError{
				Detail: fmt.Sprintf("custom field %q already exists for entity type %q", field.Identifier, field.EntityType),
			}
		}
		if err := tx.Create(&field).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &customfields.ConstraintViolationError{
					Detail: fmt.Sprintf("custom field %q already exists for entity type %q", field.Identifier, field.EntityType),
				}
			}
			return fmt.Errorf("failed to create custom field: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Created custom field", "identifier", field.Identifier, "entityType", field.EntityType)
	return &field, nil
}

// UpdateField applies a partial update to a field definition. Identifier,
// type and multiplicity are immutable once values may exist.
func (s *CustomFieldService) UpdateField(id uint, req *UpdateCustomFieldRequest) (*customfields.CustomField, error) {
	var field customfields.CustomField
	if err := s.db.First(&field, id).Error; err != nil {
		return nil, fmt.Errorf("custom field %d: %w", id, err)
	}
	if !field.Editable {
		return nil, fmt.Errorf("custom field %q is not editable", field.Identifier)
	}

	if req.Label != nil {
		field.Label = *req.Label
	}
	if req.Required != nil {
		field.Required = *req.Required
	}
	if req.AllowBlank != nil {
		field.AllowBlank = *req.AllowBlank
	}
	if req.AllowNull != nil {
		field.AllowNull = *req.AllowNull
	}
	if req.Default != nil {
		field.Default = req.Default
	}
	if req.Order != nil {
		field.Order = *req.Order
	}
	if req.Hidden != nil {
		field.Hidden = *req.Hidden
	}
	if req.Editable != nil {
		field.Editable = *req.Editable
	}
	if req.ExternalKey != nil {
		field.ExternalKey = req.ExternalKey
	}

	if err := s.db.Save(&field).Error; err != nil {
		return nil, fmt.Errorf("failed to update custom field %d: %w", id, err)
	}
	return &field, nil
}

// GetField returns one field definition
func (s *CustomFieldService) GetField(id uint) (*customfields.CustomField, error) {
	var field customfields.CustomField
	if err := s.db.First(&field, id).Error; err != nil {
		return nil, fmt.Errorf("custom field %d: %w", id, err)
	}
	return &field, nil
}

// ListFields returns field definitions, optionally filtered to one entity
// type, in (order, created) listing order
func (s *CustomFieldService) ListFields(entityType string) ([]customfields.CustomField, error) {
	var fields []customfields.CustomField
	query := s.db.Order("display_order, created_at")
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if err := query.Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("failed to list custom fields: %w", err)
	}
	return fields, nil
}

// DeleteField removes a field definition and cascades to its values and
// their entity attachments
func (s *CustomFieldService) DeleteField(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var field customfields.CustomField
		if err := tx.First(&field, id).Error; err != nil {
			return fmt.Errorf("custom field %d: %w", id, err)
		}

		var valueIDs []uint
		if err := tx.Model(&customfields.CustomValue{}).
			Where("field_id = ?", id).
			Pluck("id", &valueIDs).Error; err != nil {
			return fmt.Errorf("failed to list values of custom field %d: %w", id, err)
		}

		if len(valueIDs) > 0 {
			for _, tag := range s.store.Registry().TypeTags() {
				desc, err := s.store.Registry().Resolve(tag)
				if err != nil {
					return err
				}
				if !desc.HasCustomValues() {
					continue
				}
				deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE custom_value_id IN ?", desc.JoinTable)
				if err := tx.Exec(deleteSQL, valueIDs).Error; err != nil {
					return fmt.Errorf("failed to detach values of custom field %d: %w", id, err)
				}
			}
			if err := tx.Where("field_id = ?", id).Delete(&customfields.CustomValue{}).Error; err != nil {
				return fmt.Errorf("failed to delete values of custom field %d: %w", id, err)
			}
		}

		if err := tx.Delete(&field).Error; err != nil {
			return fmt.Errorf("failed to delete custom field %d: %w", id, err)
		}
		slog.Info("Deleted custom field", "identifier", field.Identifier, "values", len(valueIDs))
		return nil
	})
}

// CreateChoice adds a selectable value to a choice field. The value is
// validated against the field's type and stored in its stored representation.
func (s *CustomFieldService) CreateChoice(fieldID uint, req *CreateChoiceRequest) (*customfields.CustomValue, error) {
	var field customfields.CustomField
	if err := s.db.First(&field, fieldID).Error; err != nil {
		return nil, fmt.Errorf("custom field %d: %w", fieldID, err)
	}
	if !field.ChoiceField {
		return nil, fmt.Errorf("custom field %q is not a choice field", field.Identifier)
	}

	stored, err := s.store.Coercer().ToStored(&field, req.Value)
	if err != nil {
		return nil, err
	}
	value := customfields.CustomValue{
		FieldID: field.ID,
		Text:    req.Label,
		Value:   customfields.JSONValue{V: stored},
	}
	if err := s.db.Create(&value).Error; err != nil {
		return nil, fmt.Errorf("failed to create choice value: %w", err)
	}
	value.Field = &field
	return &value, nil
}

// ListChoices returns the selectable values of a choice field in
// (order, created) listing order
func (s *CustomFieldService) ListChoices(fieldID uint) ([]customfields.CustomValue, error) {
	var field customfields.CustomField
	if err := s.db.First(&field, fieldID).Error; err != nil {
		return nil, fmt.Errorf("custom field %d: %w", fieldID, err)
	}
	var values []customfields.CustomValue
	if err := s.db.Where("field_id = ?", fieldID).
		Order("value_order, created_at").
		Find(&values).Error; err != nil {
		return nil, fmt.Errorf("failed to list choice values: %w", err)
	}
	return values, nil
}

// DeleteChoice removes one selectable value and its entity attachments
func (s *CustomFieldService) DeleteChoice(fieldID, valueID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var value customfields.CustomValue
		if err := tx.Where("id = ? AND field_id = ?", valueID, fieldID).First(&value).Error; err != nil {
			return fmt.Errorf("choice value %d: %w", valueID, err)
		}
		for _, tag := range s.store.Registry().TypeTags() {
			desc, err := s.store.Registry().Resolve(tag)
			if err != nil {
				return err
			}
			if !desc.HasCustomValues() {
				continue
			}
			deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE custom_value_id = ?", desc.JoinTable)
			if err := tx.Exec(deleteSQL, valueID).Error; err != nil {
				return fmt.Errorf("failed to detach choice value %d: %w", valueID, err)
			}
		}
		if err := tx.Delete(&value).Error; err != nil {
			return fmt.Errorf("failed to delete choice value %d: %w", valueID, err)
		}
		return nil
	})
}

// RenderField produces the admin read representation of a field definition,
// including its choices when it is a choice field
func (s *CustomFieldService) RenderField(field *customfields.CustomField) (map[string]interface{}, error) {
	choices := []interface{}{}
	if field.ChoiceField {
		values, err := s.ListChoices(field.ID)
		if err != nil {
			return nil, err
		}
		for i := range values {
			choices = append(choices, s.store.Coercer().RenderChoice(&values[i]))
		}
	}
	return map[string]interface{}{
		"id":             field.ID,
		"entityType":     field.EntityType,
		"subtypeId":      field.SubtypeID,
		"identifier":     field.Identifier,
		"label":          field.Label,
		"fieldType":      string(field.FieldType),
		"multiple":       field.Multiple,
		"choiceField":    field.ChoiceField,
		"multipleChoice": field.MultipleChoice,
		"required":       field.Required,
		"allowBlank":     field.AllowBlank,
		"allowNull":      field.AllowNull,
		"default":        field.Default,
		"order":          field.Order,
		"hidden":         field.Hidden,
		"editable":       field.Editable,
		"externalKey":    field.ExternalKey,
		"choices":        choices,
		"createdAt":      field.CreatedAt,
		"updatedAt":      field.UpdatedAt,
	}, nil
}
