package models

import (
	"strings"

	"github.com/google/uuid"

	"github.com/civic-dx/register-backend/v1/customfields"
)

// EntityTypeAddress is the type tag addresses are registered under
const EntityTypeAddress = "address"

// Address represents a postal address. Addresses attach to an arbitrary
// owning entity through the target type/id pair and are correlated with
// partner systems through their external uid.
type Address struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	City        string     `gorm:"column:city" json:"city"`
	Country     string     `gorm:"column:country" json:"country"`
	Street      string     `gorm:"column:street" json:"street"`
	ZipCode     string     `gorm:"column:zip_code" json:"zipCode"`
	ExternalUID *uuid.UUID `gorm:"column:external_uid;type:uuid;uniqueIndex" json:"externalUid"`
	TargetType  *string    `gorm:"column:target_type;index:idx_addresses_target" json:"targetType"`
	TargetID    *uint      `gorm:"column:target_id;index:idx_addresses_target" json:"targetId"`
	BaseModel

	custom customfields.Mixin
}

// TableName sets the table name for GORM
func (Address) TableName() string {
	return "addresses"
}

// EntityType implements customfields.Owner
func (a *Address) EntityType() string {
	return EntityTypeAddress
}

// EntityID implements customfields.Owner
func (a *Address) EntityID() uint {
	return a.ID
}

// EntitySubtypeID implements customfields.Owner. Addresses have no subtype.
func (a *Address) EntitySubtypeID() *uint {
	return nil
}

// Custom implements customfields.Owner
func (a *Address) Custom() *customfields.Mixin {
	return &a.custom
}

// OneLine renders the address for display
func (a *Address) OneLine() string {
	return strings.TrimSpace(a.Street + " " + a.ZipCode + " " + a.City)
}
