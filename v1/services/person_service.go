package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/shared/monitoring"
	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/models"
	"github.com/civic-dx/register-backend/v1/settings"
)

// PersonService handles person CRUD, both through the native API shape and
// through partner-system payloads rewritten by the mapping table
type PersonService struct {
	db         *gorm.DB
	store      *customfields.Store
	serializer *customfields.Serializer
	provider   settings.Provider
}

// NewPersonService creates a new person service
func NewPersonService(db *gorm.DB, store *customfields.Store, provider settings.Provider) *PersonService {
	return &PersonService{
		db:         db,
		store:      store,
		serializer: customfields.NewSerializer(store),
		provider:   provider,
	}
}

// CreatePerson creates a person from an internal-shape payload: native field
// names, relation values, and custom field identifiers as top-level keys.
// Native fields, relations and custom values are saved in one transaction.
func (s *PersonService) CreatePerson(payload map[string]interface{}) (*models.Person, error) {
	person := &models.Person{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.applyAndSave(tx, person, payload, false, "")
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Load(person); err != nil {
		return nil, err
	}
	slog.Info("Created person", "id", person.ID)
	return person, nil
}

// UpdatePerson applies a partial internal-shape payload to an existing
// person. Absent keys leave values untouched.
func (s *PersonService) UpdatePerson(id uint, payload map[string]interface{}) (*models.Person, error) {
	person := &models.Person{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(person, id).Error; err != nil {
			return fmt.Errorf("person %d: %w", id, err)
		}
		return s.applyAndSave(tx, person, payload, true, "")
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Load(person); err != nil {
		return nil, err
	}
	return person, nil
}

// GetPerson returns a person with custom fields loaded
func (s *PersonService) GetPerson(id uint) (*models.Person, error) {
	person := &models.Person{}
	err := s.db.
		Preload("PersonType").
		Preload("PlaceOfResidence").
		Preload("ElectionDistrict").
		First(person, id).Error
	if err != nil {
		return nil, fmt.Errorf("person %d: %w", id, err)
	}
	if err := s.store.Load(person); err != nil {
		return nil, err
	}
	return person, nil
}

// ListPersons returns all persons with custom fields loaded
func (s *PersonService) ListPersons() ([]*models.Person, error) {
	var persons []*models.Person
	err := s.db.
		Preload("PersonType").
		Preload("PlaceOfResidence").
		Preload("ElectionDistrict").
		Order("id").
		Find(&persons).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}
	for _, p := range persons {
		if err := s.store.Load(p); err != nil {
			return nil, err
		}
	}
	return persons, nil
}

// DeletePerson removes a person, its custom value attachments and detaches
// its addresses
func (s *PersonService) DeletePerson(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		person := &models.Person{}
		if err := tx.First(person, id).Error; err != nil {
			return fmt.Errorf("person %d: %w", id, err)
		}
		if err := tx.Where("person_id = ?", id).Delete(&models.PersonCustomValue{}).Error; err != nil {
			return fmt.Errorf("failed to detach custom values of person %d: %w", id, err)
		}
		err := tx.Model(&models.Address{}).
			Where("target_type = ? AND target_id = ?", models.EntityTypePerson, id).
			Updates(map[string]interface{}{"target_type": nil, "target_id": nil}).Error
		if err != nil {
			return fmt.Errorf("failed to detach addresses of person %d: %w", id, err)
		}
		if err := tx.Delete(person).Error; err != nil {
			return fmt.Errorf("failed to delete person %d: %w", id, err)
		}
		return nil
	})
}

// ImportPersons creates persons from partner-system payloads. Each payload is
// rewritten through the configured mapping table first, then applied like a
// native create. The whole batch is one transaction.
func (s *PersonService) ImportPersons(ctx context.Context, data []map[string]interface{}) ([]*models.Person, error) {
	table, err := s.provider.MappingTable(ctx)
	if err != nil {
		return nil, err
	}
	mapped, err := table.MapList(models.EntityTypePerson, data)
	if err != nil {
		return nil, err
	}

	persons := make([]*models.Person, 0, len(mapped))
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, payload := range mapped {
			person := &models.Person{}
			if err := s.resolveChoiceValues(tx, person, payload); err != nil {
				return err
			}
			if err := s.applyAndSave(tx, person, payload, false, table.UniqueField); err != nil {
				return err
			}
			persons = append(persons, person)
		}
		return nil
	})
	if err != nil {
		monitoring.RecordBusinessEvent("person_import", "failure")
		return nil, err
	}
	for _, p := range persons {
		if err := s.store.Load(p); err != nil {
			return nil, err
		}
	}
	monitoring.RecordBusinessEvent("person_import", "success")
	slog.Info("Imported persons", "count", len(persons))
	return persons, nil
}

// ImportPerson applies one partner-system payload to an existing person
func (s *PersonService) ImportPerson(ctx context.Context, id uint, data map[string]interface{}) (*models.Person, error) {
	table, err := s.provider.MappingTable(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := table.MapData(models.EntityTypePerson, data)
	if err != nil {
		return nil, err
	}

	person := &models.Person{}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(person, id).Error; err != nil {
			return fmt.Errorf("person %d: %w", id, err)
		}
		if err := s.resolveChoiceValues(tx, person, payload); err != nil {
			return err
		}
		return s.applyAndSave(tx, person, payload, true, table.UniqueField)
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Load(person); err != nil {
		return nil, err
	}
	return person, nil
}

// applyAndSave applies an internal-shape payload to the person and persists
// native fields, relations, custom values and address attachments inside tx.
// uniqueField, when set, overrides the natural key relations resolve by.
func (s *PersonService) applyAndSave(tx *gorm.DB, person *models.Person, payload map[string]interface{}, partial bool, uniqueField string) error {
	if err := s.applyNative(tx, person, payload, partial, uniqueField); err != nil {
		return err
	}
	if person.ID == 0 {
		if err := tx.Create(person).Error; err != nil {
			return fmt.Errorf("failed to create person: %w", err)
		}
	} else {
		if err := tx.Save(person).Error; err != nil {
			return fmt.Errorf("failed to update person: %w", err)
		}
	}

	if err := s.serializer.Apply(tx, person, payload, partial); err != nil {
		return err
	}
	if err := s.store.Save(tx, person); err != nil {
		return err
	}

	if raw, ok := payload["addresses"]; ok {
		if err := s.syncAddresses(tx, person, raw); err != nil {
			return err
		}
	}
	return nil
}

// applyNative writes the person's own columns and foreign keys from the
// payload. Validation failures across fields are aggregated.
func (s *PersonService) applyNative(tx *gorm.DB, person *models.Person, payload map[string]interface{}, partial bool, uniqueField string) error {
	errs := customfields.FieldErrors{}

	if raw, ok := payload["firstname"]; ok {
		switch str := raw.(type) {
		case string:
			if str == "" {
				errs.Add("firstname", "This field may not be blank.")
			} else {
				person.Firstname = str
			}
		case nil:
			errs.Add("firstname", "This field may not be null.")
		default:
			errs.Add("firstname", fmt.Sprintf("Expected a string, got %T.", raw))
		}
	} else if !partial && person.Firstname == "" {
		errs.Add("firstname", "This field is required.")
	}

	applyOptionalString(payload, "lastname", &person.Lastname, errs)
	applyOptionalString(payload, "email", &person.Email, errs)

	if raw, ok := payload["person_type"]; ok {
		id, err := s.resolveRelation(tx, models.EntityTypePerson, "person_type", raw, uniqueField)
		if err != nil {
			errs.Add("person_type", err.Error())
		} else {
			person.PersonTypeID = id
		}
	}
	if raw, ok := payload["place_of_residence"]; ok {
		id, err := s.resolveRelation(tx, models.EntityTypePerson, "place_of_residence", raw, uniqueField)
		if err != nil {
			errs.Add("place_of_residence", err.Error())
		} else {
			person.PlaceOfResidenceID = id
		}
	}
	if raw, ok := payload["election_district"]; ok {
		id, err := s.resolveRelation(tx, models.EntityTypePerson, "election_district", raw, uniqueField)
		if err != nil {
			errs.Add("election_district", err.Error())
		} else {
			person.ElectionDistrictID = id
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// resolveRelation turns a relation payload value into a foreign key id. A
// nested dictionary is unwrapped at the key field; a bare value is the key
// itself; resolution find-or-creates through the target's accessor. The key
// is the registry's natural key unless uniqueField names a field the target
// actually has.
func (s *PersonService) resolveRelation(tx *gorm.DB, entityType, fieldName string, raw interface{}, uniqueField string) (*uint, error) {
	if raw == nil {
		return nil, nil
	}
	desc, err := s.store.Registry().Resolve(entityType)
	if err != nil {
		return nil, err
	}
	field := desc.Field(fieldName)
	if field == nil || field.RelatedTo == "" {
		return nil, &customfields.ConfigError{Detail: fmt.Sprintf("field %q of %q is not a relation", fieldName, entityType)}
	}
	target, err := s.store.Registry().Resolve(field.RelatedTo)
	if err != nil {
		return nil, err
	}
	if target.Accessor == nil {
		return nil, &customfields.ConfigError{Detail: fmt.Sprintf("entity type %q has no accessor", field.RelatedTo)}
	}

	key := field.NaturalKey
	if uniqueField != "" && target.Field(uniqueField) != nil {
		key = uniqueField
	}

	value := raw
	if nested, ok := raw.(map[string]interface{}); ok {
		inner, ok := nested[key]
		if !ok {
			return nil, fmt.Errorf("expected key %q for %s", key, fieldName)
		}
		value = inner
	}

	id, err := target.Accessor.FindOrCreate(tx, key, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// syncAddresses replaces the person's address attachments with the addresses
// matching the given external uids. Every unknown uid is reported in one
// LookupError.
func (s *PersonService) syncAddresses(tx *gorm.DB, person *models.Person, raw interface{}) error {
	list, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("addresses expects a list of external uids, got %T", raw)
	}

	uids := make([]uuid.UUID, 0, len(list))
	var invalid []string
	for _, item := range list {
		str, ok := item.(string)
		if !ok {
			return fmt.Errorf("addresses expects string uids, got %T", item)
		}
		uid, err := uuid.Parse(str)
		if err != nil {
			invalid = append(invalid, str)
			continue
		}
		uids = append(uids, uid)
	}
	if len(invalid) > 0 {
		return &customfields.LookupError{Resource: "address", MissingIDs: invalid}
	}

	var addresses []models.Address
	if len(uids) > 0 {
		if err := tx.Where("external_uid IN ?", uids).Find(&addresses).Error; err != nil {
			return fmt.Errorf("failed to resolve addresses: %w", err)
		}
	}
	found := make(map[uuid.UUID]bool, len(addresses))
	for i := range addresses {
		if addresses[i].ExternalUID != nil {
			found[*addresses[i].ExternalUID] = true
		}
	}
	var missing []string
	for _, uid := range uids {
		if !found[uid] {
			missing = append(missing, uid.String())
		}
	}
	if len(missing) > 0 {
		return &customfields.LookupError{Resource: "address", MissingIDs: missing}
	}

	ids := make([]uint, 0, len(addresses))
	for i := range addresses {
		ids = append(ids, addresses[i].ID)
	}

	// Detach addresses no longer in the set, then attach the new ones
	detach := tx.Model(&models.Address{}).
		Where("target_type = ? AND target_id = ?", models.EntityTypePerson, person.ID)
	if len(ids) > 0 {
		detach = detach.Where("id NOT IN ?", ids)
	}
	if err := detach.Updates(map[string]interface{}{"target_type": nil, "target_id": nil}).Error; err != nil {
		return fmt.Errorf("failed to detach addresses: %w", err)
	}
	if len(ids) > 0 {
		err := tx.Model(&models.Address{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"target_type": models.EntityTypePerson, "target_id": person.ID}).Error
		if err != nil {
			return fmt.Errorf("failed to attach addresses: %w", err)
		}
	}
	return nil
}

// resolveChoiceValues rewrites choice field entries of a mapped payload from
// stored values to value ids, so the payload applies like a native one.
// Partner systems send choice values, not our internal ids.
func (s *PersonService) resolveChoiceValues(tx *gorm.DB, person *models.Person, payload map[string]interface{}) error {
	fields, err := s.store.FieldsFor(tx, person.EntityType(), person.EntitySubtypeID())
	if err != nil {
		return err
	}
	for i := range fields {
		f := fields[i]
		if !f.ChoiceField {
			continue
		}
		raw, ok := payload[f.Identifier]
		if !ok || raw == nil {
			continue
		}

		values, isList := rawChoiceList(raw)
		stored := make([]interface{}, 0, len(values))
		for _, v := range values {
			sv, err := s.store.Coercer().ToStored(&customfields.CustomField{
				Identifier: f.Identifier,
				FieldType:  f.FieldType,
			}, v)
			if err != nil {
				return customfields.FieldErrors{f.Identifier: []string{err.Error()}}
			}
			stored = append(stored, sv)
		}

		rows, err := s.store.ChoicesByValues(tx, f.ID, stored)
		if err != nil {
			return err
		}
		if isList {
			ids := make([]interface{}, 0, len(rows))
			for j := range rows {
				ids = append(ids, rows[j].ID)
			}
			payload[f.Identifier] = ids
		} else if len(rows) > 0 {
			payload[f.Identifier] = rows[0].ID
		}
	}
	return nil
}

func rawChoiceList(raw interface{}) ([]interface{}, bool) {
	if list, ok := raw.([]interface{}); ok {
		return list, true
	}
	return []interface{}{raw}, false
}

// RenderPerson produces the person's read representation: native fields,
// nested relations, attached addresses and the custom fields as top-level
// keys
func (s *PersonService) RenderPerson(person *models.Person) (map[string]interface{}, error) {
	out, err := s.serializer.Render(person)
	if err != nil {
		return nil, err
	}

	out["id"] = person.ID
	out["firstname"] = person.Firstname
	out["lastname"] = person.Lastname
	out["email"] = person.Email
	out["createdAt"] = person.CreatedAt
	out["updatedAt"] = person.UpdatedAt

	out["personType"] = nil
	if person.PersonType != nil {
		out["personType"] = map[string]interface{}{
			"id":    person.PersonType.ID,
			"title": person.PersonType.Title,
		}
	}
	out["placeOfResidence"] = nil
	if person.PlaceOfResidence != nil {
		out["placeOfResidence"] = map[string]interface{}{
			"id":    person.PlaceOfResidence.ID,
			"title": person.PlaceOfResidence.Title,
		}
	}
	out["electionDistrict"] = nil
	if person.ElectionDistrict != nil {
		out["electionDistrict"] = map[string]interface{}{
			"id":     person.ElectionDistrict.ID,
			"uid":    person.ElectionDistrict.UID.String(),
			"title":  person.ElectionDistrict.Title,
			"number": person.ElectionDistrict.Number,
		}
	}

	var addresses []models.Address
	err = s.db.Where("target_type = ? AND target_id = ?", models.EntityTypePerson, person.ID).
		Order("id").
		Find(&addresses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load addresses of person %d: %w", person.ID, err)
	}
	rendered := make([]interface{}, 0, len(addresses))
	for i := range addresses {
		a := addresses[i]
		var uid interface{}
		if a.ExternalUID != nil {
			uid = a.ExternalUID.String()
		}
		rendered = append(rendered, map[string]interface{}{
			"id":          a.ID,
			"city":        a.City,
			"country":     a.Country,
			"street":      a.Street,
			"zipCode":     a.ZipCode,
			"externalUid": uid,
		})
	}
	out["addresses"] = rendered

	return out, nil
}

func applyOptionalString(payload map[string]interface{}, key string, target **string, errs customfields.FieldErrors) {
	raw, ok := payload[key]
	if !ok {
		return
	}
	if raw == nil {
		*target = nil
		return
	}
	str, ok := raw.(string)
	if !ok {
		errs.Add(key, fmt.Sprintf("Expected a string, got %T.", raw))
		return
	}
	*target = &str
}
