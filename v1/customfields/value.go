package customfields

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSONValue stores any JSON-encodable payload in a single column. This is the
// stored representation of a custom field value: strings for CHAR/TEXT and
// ISO date/datetime fields, numbers, booleans, or arrays thereof when the
// field is multiple.
type JSONValue struct {
	V interface{}
}

// Scan implements the sql.Scanner interface for JSONValue
func (jv *JSONValue) Scan(value interface{}) error {
	if value == nil {
		jv.V = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", value)
	}

	return json.Unmarshal(bytes, &jv.V)
}

// Value implements the driver.Valuer interface for JSONValue
func (jv JSONValue) Value() (driver.Value, error) {
	if jv.V == nil {
		return nil, nil
	}
	data, err := json.Marshal(jv.V)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType gorm common data type
func (JSONValue) GormDataType() string {
	return "json"
}

// MarshalJSON renders the wrapped payload directly
func (jv JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(jv.V)
}

// UnmarshalJSON stores the raw payload
func (jv *JSONValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &jv.V)
}

// CustomValue is either one stored data point for a non-choice field, or one
// pre-registered selectable option when the owning field is a choice field.
type CustomValue struct {
	ID      uint         `gorm:"primarykey" json:"id"`
	FieldID uint         `gorm:"column:field_id;not null;index" json:"fieldId"`
	Field   *CustomField `gorm:"foreignKey:FieldID;constraint:OnDelete:CASCADE" json:"-"`
	Order   int          `gorm:"column:value_order;not null;default:0" json:"order"`
	// Text is the human label shown for choice options
	Text  *string   `gorm:"column:text" json:"label"`
	Value JSONValue `gorm:"column:value;type:json" json:"value"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName sets the table name for GORM
func (CustomValue) TableName() string {
	return "custom_values"
}

// BeforeCreate sets both timestamps on insert
func (v *CustomValue) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	return nil
}

// BeforeUpdate refreshes the updated timestamp
func (v *CustomValue) BeforeUpdate(tx *gorm.DB) error {
	v.UpdatedAt = time.Now()
	return nil
}

// Label returns the display text, falling back to the stringified value
func (v *CustomValue) Label() string {
	if v.Text != nil {
		return *v.Text
	}
	return fmt.Sprintf("%v", v.Value.V)
}
