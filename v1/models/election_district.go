package models

import (
	"gorm.io/gorm"

	"github.com/google/uuid"
)

// EntityTypeElectionDistrict is the type tag election districts are
// registered under
const EntityTypeElectionDistrict = "election_district"

// ElectionDistrict is a voting district, unique by title and by uid
type ElectionDistrict struct {
	ID     uint      `gorm:"primarykey" json:"id"`
	UID    uuid.UUID `gorm:"column:uid;type:uuid;not null;uniqueIndex" json:"uid"`
	Title  string    `gorm:"column:title;not null;uniqueIndex" json:"title"`
	Number string    `gorm:"column:number" json:"number"`
	BaseModel
}

// TableName sets the table name for GORM
func (ElectionDistrict) TableName() string {
	return "election_districts"
}

// BeforeCreate assigns a uid when none was supplied
func (d *ElectionDistrict) BeforeCreate(tx *gorm.DB) error {
	if d.UID == uuid.Nil {
		d.UID = uuid.New()
	}
	return d.BaseModel.BeforeCreate(tx)
}
