package models

// PersonCustomValue links a person to one of its custom values. Position
// preserves the value order the entity was saved with.
type PersonCustomValue struct {
	PersonID      uint `gorm:"column:person_id;primaryKey"`
	CustomValueID uint `gorm:"column:custom_value_id;primaryKey"`
	Position      int  `gorm:"column:position;not null;default:0"`
}

// TableName sets the table name for GORM
func (PersonCustomValue) TableName() string {
	return "person_custom_values"
}

// AddressCustomValue links an address to one of its custom values
type AddressCustomValue struct {
	AddressID     uint `gorm:"column:address_id;primaryKey"`
	CustomValueID uint `gorm:"column:custom_value_id;primaryKey"`
	Position      int  `gorm:"column:position;not null;default:0"`
}

// TableName sets the table name for GORM
func (AddressCustomValue) TableName() string {
	return "address_custom_values"
}
