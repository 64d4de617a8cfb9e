package v1

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/models"
)

// BuildRegistry wires every entity type participating in custom fields and
// mapping into one descriptor registry. The registry is assembled explicitly
// here so a broken configuration fails at startup, not mid-request.
func BuildRegistry() (*customfields.Registry, error) {
	registry := customfields.NewRegistry()

	descriptors := []*customfields.Descriptor{
		{
			TypeTag:     models.EntityTypePerson,
			JoinTable:   models.PersonCustomValue{}.TableName(),
			OwnerColumn: "person_id",
			NativeFields: []customfields.NativeField{
				{Name: "firstname", Required: true},
				{Name: "lastname"},
				{Name: "email"},
				{Name: "person_type", RelatedTo: models.EntityTypePersonType, NaturalKey: "title"},
				{Name: "place_of_residence", RelatedTo: models.EntityTypeMunicipality, NaturalKey: "title"},
				{Name: "election_district", RelatedTo: models.EntityTypeElectionDistrict, NaturalKey: "title"},
				{Name: "addresses", RelatedTo: models.EntityTypeAddress, Generic: true, NaturalKey: "external_uid"},
			},
		},
		{
			TypeTag:     models.EntityTypeAddress,
			JoinTable:   models.AddressCustomValue{}.TableName(),
			OwnerColumn: "address_id",
			NativeFields: []customfields.NativeField{
				{Name: "city"},
				{Name: "country"},
				{Name: "street"},
				{Name: "zip_code"},
				{Name: "external_uid"},
			},
			Accessor: &addressAccessor{},
		},
		{
			TypeTag: models.EntityTypeMunicipality,
			NativeFields: []customfields.NativeField{
				{Name: "title", Required: true},
			},
			Accessor: &municipalityAccessor{},
		},
		{
			TypeTag: models.EntityTypeElectionDistrict,
			NativeFields: []customfields.NativeField{
				{Name: "uid"},
				{Name: "title", Required: true},
				{Name: "number"},
			},
			Accessor: &electionDistrictAccessor{},
		},
		{
			TypeTag: models.EntityTypePersonType,
			NativeFields: []customfields.NativeField{
				{Name: "title", Required: true},
			},
			Accessor: &personTypeAccessor{},
		},
	}

	for _, d := range descriptors {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}
	if err := registry.Check(); err != nil {
		return nil, err
	}
	return registry, nil
}

// municipalityAccessor resolves municipalities by title, creating them on
// demand. Partner systems send titles, not ids.
type municipalityAccessor struct{}

func (a *municipalityAccessor) Find(tx *gorm.DB, key string, value interface{}) (uint, error) {
	title, err := naturalKeyString(value)
	if err != nil {
		return 0, err
	}
	if key != "title" {
		return 0, fmt.Errorf("municipalities cannot be addressed by %q", key)
	}
	var m models.Municipality
	if err := tx.Where("title = ?", title).First(&m).Error; err != nil {
		return 0, fmt.Errorf("municipality %q: %w", title, err)
	}
	return m.ID, nil
}

func (a *municipalityAccessor) FindOrCreate(tx *gorm.DB, key string, value interface{}) (uint, error) {
	title, err := naturalKeyString(value)
	if err != nil {
		return 0, err
	}
	if key != "title" {
		return 0, fmt.Errorf("municipalities cannot be addressed by %q", key)
	}
	var m models.Municipality
	if err := tx.Where("title = ?", title).FirstOrCreate(&m, models.Municipality{Title: title}).Error; err != nil {
		return 0, fmt.Errorf("failed to find or create municipality %q: %w", title, err)
	}
	return m.ID, nil
}

// electionDistrictAccessor resolves election districts by title, uid or
// number, creating them on demand with a generated uid
type electionDistrictAccessor struct{}

func (a *electionDistrictAccessor) districtKey(key string, value interface{}) (*models.ElectionDistrict, error) {
	raw, err := naturalKeyString(value)
	if err != nil {
		return nil, err
	}
	switch key {
	case "title":
		return &models.ElectionDistrict{Title: raw}, nil
	case "uid":
		uid, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid election district uid %q: %w", raw, err)
		}
		return &models.ElectionDistrict{UID: uid}, nil
	case "number":
		return &models.ElectionDistrict{Number: raw}, nil
	}
	return nil, fmt.Errorf("election districts cannot be addressed by %q", key)
}

func (a *electionDistrictAccessor) Find(tx *gorm.DB, key string, value interface{}) (uint, error) {
	cond, err := a.districtKey(key, value)
	if err != nil {
		return 0, err
	}
	var d models.ElectionDistrict
	if err := tx.Where(cond).First(&d).Error; err != nil {
		return 0, fmt.Errorf("election district %v: %w", value, err)
	}
	return d.ID, nil
}

func (a *electionDistrictAccessor) FindOrCreate(tx *gorm.DB, key string, value interface{}) (uint, error) {
	cond, err := a.districtKey(key, value)
	if err != nil {
		return 0, err
	}
	var d models.ElectionDistrict
	if err := tx.Where(cond).FirstOrCreate(&d, cond).Error; err != nil {
		return 0, fmt.Errorf("failed to find or create election district %v: %w", value, err)
	}
	return d.ID, nil
}

// personTypeAccessor resolves person types by title
type personTypeAccessor struct{}

func (a *personTypeAccessor) Find(tx *gorm.DB, key string, value interface{}) (uint, error) {
	title, err := naturalKeyString(value)
	if err != nil {
		return 0, err
	}
	if key != "title" {
		return 0, fmt.Errorf("person types cannot be addressed by %q", key)
	}
	var pt models.PersonType
	if err := tx.Where("title = ?", title).First(&pt).Error; err != nil {
		return 0, fmt.Errorf("person type %q: %w", title, err)
	}
	return pt.ID, nil
}

func (a *personTypeAccessor) FindOrCreate(tx *gorm.DB, key string, value interface{}) (uint, error) {
	title, err := naturalKeyString(value)
	if err != nil {
		return 0, err
	}
	if key != "title" {
		return 0, fmt.Errorf("person types cannot be addressed by %q", key)
	}
	var pt models.PersonType
	if err := tx.Where("title = ?", title).FirstOrCreate(&pt, models.PersonType{Title: title}).Error; err != nil {
		return 0, fmt.Errorf("failed to find or create person type %q: %w", title, err)
	}
	return pt.ID, nil
}

// addressAccessor resolves addresses by their partner-system uid. Addresses
// are never created through mapping resolution; unknown uids are rejected.
type addressAccessor struct{}

func (a *addressAccessor) Find(tx *gorm.DB, key string, value interface{}) (uint, error) {
	raw, err := naturalKeyString(value)
	if err != nil {
		return 0, err
	}
	if key != "external_uid" {
		return 0, fmt.Errorf("addresses cannot be addressed by %q", key)
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid address uid %q: %w", raw, err)
	}
	var addr models.Address
	if err := tx.Where("external_uid = ?", uid).First(&addr).Error; err != nil {
		return 0, fmt.Errorf("address %q: %w", raw, err)
	}
	return addr.ID, nil
}

func (a *addressAccessor) FindOrCreate(tx *gorm.DB, key string, value interface{}) (uint, error) {
	return a.Find(tx, key, value)
}

func naturalKeyString(value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("expected a non-empty string natural key, got %T", value)
	}
	return s, nil
}
