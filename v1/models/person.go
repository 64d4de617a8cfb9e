package models

import (
	"strings"

	"github.com/civic-dx/register-backend/v1/customfields"
)

// EntityTypePerson is the type tag persons are registered under
const EntityTypePerson = "person"

// EntityTypePersonType is the type tag person types are registered under
const EntityTypePersonType = "person_type"

// PersonType narrows which custom fields apply to a person. A field scoped to
// a person type only shows up on persons of that type.
type PersonType struct {
	ID    uint   `gorm:"primarykey" json:"id"`
	Title string `gorm:"column:title;not null" json:"title"`
	BaseModel
}

// TableName sets the table name for GORM
func (PersonType) TableName() string {
	return "person_types"
}

// Person represents a registered natural person
type Person struct {
	ID                 uint    `gorm:"primarykey" json:"id"`
	Firstname          string  `gorm:"column:firstname;not null" json:"firstname"`
	Lastname           *string `gorm:"column:lastname" json:"lastname"`
	Email              *string `gorm:"column:email" json:"email"`
	PersonTypeID       *uint   `gorm:"column:person_type_id" json:"personTypeId"`
	PersonType         *PersonType
	PlaceOfResidenceID *uint `gorm:"column:place_of_residence_id" json:"placeOfResidenceId"`
	PlaceOfResidence   *Municipality
	ElectionDistrictID *uint `gorm:"column:election_district_id" json:"electionDistrictId"`
	ElectionDistrict   *ElectionDistrict
	BaseModel

	custom customfields.Mixin
}

// TableName sets the table name for GORM
func (Person) TableName() string {
	return "persons"
}

// EntityType implements customfields.Owner
func (p *Person) EntityType() string {
	return EntityTypePerson
}

// EntityID implements customfields.Owner
func (p *Person) EntityID() uint {
	return p.ID
}

// EntitySubtypeID implements customfields.Owner. Person-type scoped custom
// fields only apply to persons of that type.
func (p *Person) EntitySubtypeID() *uint {
	return p.PersonTypeID
}

// Custom implements customfields.Owner
func (p *Person) Custom() *customfields.Mixin {
	return &p.custom
}

// FullName joins first and last name for display
func (p *Person) FullName() string {
	if p.Lastname == nil {
		return p.Firstname
	}
	return strings.TrimSpace(p.Firstname + " " + *p.Lastname)
}
