package customfields

import (
	"database/sql/driver"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// FieldType enumerates the value types a custom field can carry
type FieldType string

const (
	FieldTypeChar     FieldType = "CHAR"
	FieldTypeText     FieldType = "TEXT"
	FieldTypeInteger  FieldType = "INTEGER"
	FieldTypeDate     FieldType = "DATE"
	FieldTypeDatetime FieldType = "DATETIME"
	FieldTypeBoolean  FieldType = "BOOLEAN"
)

// Scan implements the sql.Scanner interface for FieldType
func (ft *FieldType) Scan(value interface{}) error {
	if value == nil {
		*ft = FieldTypeChar
		return nil
	}
	switch v := value.(type) {
	case string:
		*ft = FieldType(v)
	case []byte:
		*ft = FieldType(v)
	default:
		return fmt.Errorf("cannot scan %T into FieldType", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for FieldType
func (ft FieldType) Value() (driver.Value, error) {
	return string(ft), nil
}

// Valid reports whether ft is one of the known field types
func (ft FieldType) Valid() bool {
	switch ft {
	case FieldTypeChar, FieldTypeText, FieldTypeInteger, FieldTypeDate, FieldTypeDatetime, FieldTypeBoolean:
		return true
	}
	return false
}

// CustomField describes one dynamic attribute: its type, multiplicity,
// choice-ness and the entity type (and optional subtype) it applies to.
// The identifier doubles as the synthetic attribute name on the entity.
type CustomField struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	EntityType string `gorm:"column:entity_type;not null;index:idx_custom_fields_scope,unique" json:"entityType"`
	// SubtypeID narrows the field to entities of one subtype (e.g. a
	// person type). Nil means the field applies to every instance of the
	// entity type.
	SubtypeID   *uint     `gorm:"column:subtype_id;index:idx_custom_fields_scope,unique" json:"subtypeId,omitempty"`
	Identifier  string    `gorm:"column:identifier;not null;index:idx_custom_fields_scope,unique" json:"identifier"`
	Label       string    `gorm:"column:label" json:"label"`
	FieldType   FieldType `gorm:"column:field_type;type:varchar(16);not null;default:CHAR" json:"fieldType"`
	Multiple    bool      `gorm:"column:multiple;not null;default:false" json:"multiple"`
	ChoiceField bool      `gorm:"column:choice_field;not null;default:false" json:"choiceField"`
	// MultipleChoice only has meaning when ChoiceField is set
	MultipleChoice bool    `gorm:"column:multiple_choice;not null;default:false" json:"multipleChoice"`
	Required       bool    `gorm:"column:required;not null;default:false" json:"required"`
	AllowBlank     bool    `gorm:"column:allow_blank;not null;default:true" json:"allowBlank"`
	AllowNull      bool    `gorm:"column:allow_null;not null;default:true" json:"allowNull"`
	// Default holds the stored representation of the default value, e.g.
	// "2000-01-01" for a DATE field
	Default     *string `gorm:"column:default_value" json:"default,omitempty"`
	Order       int     `gorm:"column:display_order;not null;default:0" json:"order"`
	Hidden      bool    `gorm:"column:hidden;not null;default:false" json:"hidden"`
	Editable    bool    `gorm:"column:editable;not null;default:true" json:"editable"`
	ExternalKey *string `gorm:"column:external_key" json:"externalKey,omitempty"`

	Values []CustomValue `gorm:"foreignKey:FieldID;constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName sets the table name for GORM
func (CustomField) TableName() string {
	return "custom_fields"
}

// BeforeCreate sets both timestamps on insert
func (f *CustomField) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	return nil
}

// BeforeUpdate refreshes the updated timestamp
func (f *CustomField) BeforeUpdate(tx *gorm.DB) error {
	f.UpdatedAt = time.Now()
	return nil
}

// AppliesTo reports whether the field is applicable to an instance with the
// given subtype id
func (f *CustomField) AppliesTo(subtypeID *uint) bool {
	if f.SubtypeID == nil {
		return true
	}
	return subtypeID != nil && *subtypeID == *f.SubtypeID
}
