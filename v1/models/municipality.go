package models

// EntityTypeMunicipality is the type tag municipalities are registered under
const EntityTypeMunicipality = "municipality"

// Municipality is a place of residence, unique by title. Mapped imports
// address municipalities by title and create them on demand.
type Municipality struct {
	ID    uint   `gorm:"primarykey" json:"id"`
	Title string `gorm:"column:title;not null;uniqueIndex" json:"title"`
	BaseModel
}

// TableName sets the table name for GORM
func (Municipality) TableName() string {
	return "municipalities"
}
