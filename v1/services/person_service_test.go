package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/mapping"
	"github.com/civic-dx/register-backend/v1/models"
	"github.com/civic-dx/register-backend/v1/settings"
)

func setupPersonService(t *testing.T, table *mapping.Table) (*gorm.DB, *PersonService) {
	t.Helper()
	db := SetupSQLiteTestDB(t)
	store := NewTestStore(t, db, time.UTC)
	provider := settings.NewStaticProvider(table, nil)
	return db, NewPersonService(db, store, provider)
}

func mustCreateField(t *testing.T, db *gorm.DB, field customfields.CustomField) customfields.CustomField {
	t.Helper()
	if field.EntityType == "" {
		field.EntityType = models.EntityTypePerson
	}
	if field.FieldType == "" {
		field.FieldType = customfields.FieldTypeChar
	}
	require.NoError(t, db.Create(&field).Error)
	return field
}

func mustCreateChoice(t *testing.T, db *gorm.DB, fieldID uint, label *string, value interface{}) customfields.CustomValue {
	t.Helper()
	choice := customfields.CustomValue{FieldID: fieldID, Text: label, Value: customfields.JSONValue{V: value}}
	require.NoError(t, db.Create(&choice).Error)
	return choice
}

func mustCreateAddress(t *testing.T, db *gorm.DB, city string) models.Address {
	t.Helper()
	uid := uuid.New()
	addr := models.Address{City: city, Country: "CH", ExternalUID: &uid}
	require.NoError(t, db.Create(&addr).Error)
	return addr
}

func personAddressIDs(t *testing.T, db *gorm.DB, personID uint) []uint {
	t.Helper()
	var ids []uint
	err := db.Model(&models.Address{}).
		Where("target_type = ? AND target_id = ?", models.EntityTypePerson, personID).
		Order("id").
		Pluck("id", &ids).Error
	require.NoError(t, err)
	return ids
}

func importTable() *mapping.Table {
	return &mapping.Table{
		Entities: map[string]map[string]string{
			models.EntityTypePerson: {
				"external_firstname":   "firstname",
				"external_lastname":    "lastname",
				"external_memo":        "memo",
				"external_score":       "score",
				"external_active":      "active",
				"external_birthday":    "birthday",
				"external_appointment": "appointment",
				"external_season":      "season",
				"external_tags":        "tags",
				"external_place":       "place_of_residence",
				"external_district":    "election_district",
				"external_addresses":   "addresses",
			},
		},
	}
}

func TestPersonService_CreatePerson(t *testing.T) {
	db, svc := setupPersonService(t, nil)
	mustCreateField(t, db, customfields.CustomField{Identifier: "nickname", AllowBlank: true, AllowNull: true})

	person, err := svc.CreatePerson(map[string]interface{}{
		"firstname": "Hugo",
		"lastname":  "Boss",
		"email":     "hugo@example.com",
		"nickname":  "Huges",
	})
	require.NoError(t, err)
	assert.NotZero(t, person.ID)
	assert.Equal(t, "Hugo Boss", person.FullName())

	got, err := person.Custom().Get("nickname")
	require.NoError(t, err)
	assert.Equal(t, "Huges", got)
}

func TestPersonService_CreatePerson_Validation(t *testing.T) {
	db, svc := setupPersonService(t, nil)

	t.Run("native fields are validated", func(t *testing.T) {
		_, err := svc.CreatePerson(map[string]interface{}{"firstname": ""})
		var fieldErrs customfields.FieldErrors
		require.ErrorAs(t, err, &fieldErrs)
		assert.Equal(t, []string{"This field may not be blank."}, fieldErrs["firstname"])

		_, err = svc.CreatePerson(map[string]interface{}{})
		require.ErrorAs(t, err, &fieldErrs)
		assert.Equal(t, []string{"This field is required."}, fieldErrs["firstname"])
	})

	t.Run("non-string firstname is a type error", func(t *testing.T) {
		_, err := svc.CreatePerson(map[string]interface{}{"firstname": 42})
		var fieldErrs customfields.FieldErrors
		require.ErrorAs(t, err, &fieldErrs)
		assert.Equal(t, []string{"Expected a string, got int."}, fieldErrs["firstname"])

		_, err = svc.CreatePerson(map[string]interface{}{"firstname": nil})
		require.ErrorAs(t, err, &fieldErrs)
		assert.Equal(t, []string{"This field may not be null."}, fieldErrs["firstname"])
	})

	t.Run("failed create leaves no person behind", func(t *testing.T) {
		mustCreateField(t, db, customfields.CustomField{Identifier: "badge", Required: true})
		_, err := svc.CreatePerson(map[string]interface{}{"firstname": "Hugo"})
		var fieldErrs customfields.FieldErrors
		require.ErrorAs(t, err, &fieldErrs)
		assert.Equal(t, []string{"This field is required."}, fieldErrs["badge"])

		var count int64
		require.NoError(t, db.Model(&models.Person{}).Count(&count).Error)
		assert.EqualValues(t, 0, count)
	})
}

func TestPersonService_CreatePerson_Relations(t *testing.T) {
	db, svc := setupPersonService(t, nil)

	person, err := svc.CreatePerson(map[string]interface{}{
		"firstname":          "Hugo",
		"person_type":        map[string]interface{}{"title": "member"},
		"place_of_residence": "Muri",
	})
	require.NoError(t, err)

	loaded, err := svc.GetPerson(person.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.PersonType)
	assert.Equal(t, "member", loaded.PersonType.Title)
	require.NotNil(t, loaded.PlaceOfResidence)
	assert.Equal(t, "Muri", loaded.PlaceOfResidence.Title)

	// The same title resolves to the same row, not a duplicate
	_, err = svc.CreatePerson(map[string]interface{}{
		"firstname":          "Anna",
		"place_of_residence": "Muri",
	})
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&models.Municipality{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPersonService_UpdatePerson(t *testing.T) {
	db, svc := setupPersonService(t, nil)
	mustCreateField(t, db, customfields.CustomField{Identifier: "nickname", AllowBlank: true, AllowNull: true})

	person, err := svc.CreatePerson(map[string]interface{}{
		"firstname": "Hugo",
		"lastname":  "Boss",
		"nickname":  "Huges",
	})
	require.NoError(t, err)

	updated, err := svc.UpdatePerson(person.ID, map[string]interface{}{"lastname": "Chef"})
	require.NoError(t, err)
	assert.Equal(t, "Hugo Chef", updated.FullName())

	// Absent custom fields stay untouched on partial update
	got, err := updated.Custom().Get("nickname")
	require.NoError(t, err)
	assert.Equal(t, "Huges", got)

	t.Run("unknown person", func(t *testing.T) {
		_, err := svc.UpdatePerson(9999, map[string]interface{}{"lastname": "X"})
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}

func TestPersonService_ImportPersons(t *testing.T) {
	db, svc := setupPersonService(t, importTable())

	mustCreateField(t, db, customfields.CustomField{Identifier: "memo", FieldType: customfields.FieldTypeText, AllowBlank: true, AllowNull: true})
	mustCreateField(t, db, customfields.CustomField{Identifier: "score", FieldType: customfields.FieldTypeInteger, AllowNull: true})
	mustCreateField(t, db, customfields.CustomField{Identifier: "active", FieldType: customfields.FieldTypeBoolean, AllowNull: true})
	mustCreateField(t, db, customfields.CustomField{Identifier: "birthday", FieldType: customfields.FieldTypeDate, AllowNull: true})
	mustCreateField(t, db, customfields.CustomField{Identifier: "appointment", FieldType: customfields.FieldTypeDatetime, AllowNull: true})
	season := mustCreateField(t, db, customfields.CustomField{Identifier: "season", FieldType: customfields.FieldTypeDate, ChoiceField: true, AllowNull: true})
	tags := mustCreateField(t, db, customfields.CustomField{Identifier: "tags", ChoiceField: true, MultipleChoice: true, AllowNull: true})

	early := mustCreateChoice(t, db, season.ID, nil, "2000-01-01")
	mustCreateChoice(t, db, season.ID, nil, "2001-01-01")
	tagA := mustCreateChoice(t, db, tags.ID, nil, "a")
	tagB := mustCreateChoice(t, db, tags.ID, nil, "b")

	addr1 := mustCreateAddress(t, db, "Bern")
	addr2 := mustCreateAddress(t, db, "Thun")

	// The district exists already and must be reused, not duplicated
	require.NoError(t, db.Create(&models.ElectionDistrict{Title: "Koeniz"}).Error)

	persons, err := svc.ImportPersons(context.Background(), []map[string]interface{}{{
		"external_firstname":   "Hugo",
		"external_lastname":    "Boss",
		"external_memo":        "imported",
		"external_score":       float64(42),
		"external_active":      true,
		"external_birthday":    "1990-05-12",
		"external_appointment": "2000-01-01T11:30:00Z",
		"external_season":      "2000-01-01",
		"external_tags":        []interface{}{"b", "a"},
		"external_place":       "Muri",
		"external_district":    "Koeniz",
		"external_addresses":   []interface{}{addr1.ExternalUID.String(), addr2.ExternalUID.String()},
	}})
	require.NoError(t, err)
	require.Len(t, persons, 1)
	person := persons[0]
	assert.Equal(t, "Hugo", person.Firstname)

	got, err := person.Custom().Get("memo")
	require.NoError(t, err)
	assert.Equal(t, "imported", got)
	got, err = person.Custom().Get("score")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	got, err = person.Custom().Get("active")
	require.NoError(t, err)
	assert.Equal(t, true, got)
	got, err = person.Custom().Get("birthday")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1990, 5, 12, 0, 0, 0, 0, time.UTC), got)
	got, err = person.Custom().Get("appointment")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2000, 1, 1, 11, 30, 0, 0, time.UTC), got)

	// Choice fields arrive as stored values and resolve to existing choices
	got, err = person.Custom().Get("season")
	require.NoError(t, err)
	assert.Equal(t, early.ID, got.(*customfields.CustomValue).ID)
	got, err = person.Custom().Get("tags")
	require.NoError(t, err)
	gotTags := got.([]customfields.CustomValue)
	require.Len(t, gotTags, 2)
	assert.Equal(t, tagB.ID, gotTags[0].ID)
	assert.Equal(t, tagA.ID, gotTags[1].ID)

	// Relations resolve by natural key
	loaded, err := svc.GetPerson(person.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.PlaceOfResidence)
	assert.Equal(t, "Muri", loaded.PlaceOfResidence.Title)
	require.NotNil(t, loaded.ElectionDistrict)
	assert.Equal(t, "Koeniz", loaded.ElectionDistrict.Title)

	var municipalities, districts int64
	require.NoError(t, db.Model(&models.Municipality{}).Count(&municipalities).Error)
	require.NoError(t, db.Model(&models.ElectionDistrict{}).Count(&districts).Error)
	assert.EqualValues(t, 1, municipalities)
	assert.EqualValues(t, 1, districts)

	assert.Equal(t, []uint{addr1.ID, addr2.ID}, personAddressIDs(t, db, person.ID))
}

func TestPersonService_ImportPerson_Update(t *testing.T) {
	db, svc := setupPersonService(t, importTable())

	season := mustCreateField(t, db, customfields.CustomField{Identifier: "season", FieldType: customfields.FieldTypeDate, ChoiceField: true, AllowNull: true})
	mustCreateChoice(t, db, season.ID, nil, "2000-01-01")
	late := mustCreateChoice(t, db, season.ID, nil, "2001-01-01")

	addr1 := mustCreateAddress(t, db, "Bern")
	addr2 := mustCreateAddress(t, db, "Thun")
	addr3 := mustCreateAddress(t, db, "Chur")

	persons, err := svc.ImportPersons(context.Background(), []map[string]interface{}{{
		"external_firstname": "Hugo",
		"external_season":    "2000-01-01",
		"external_addresses": []interface{}{addr1.ExternalUID.String(), addr2.ExternalUID.String()},
	}})
	require.NoError(t, err)
	person := persons[0]

	updated, err := svc.ImportPerson(context.Background(), person.ID, map[string]interface{}{
		"external_lastname":  "Boss",
		"external_season":    "2001-01-01",
		"external_addresses": []interface{}{addr2.ExternalUID.String(), addr3.ExternalUID.String()},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Lastname)
	assert.Equal(t, "Boss", *updated.Lastname)
	assert.Equal(t, "Hugo", updated.Firstname)

	// The choice is re-pointed, not duplicated
	got, err := updated.Custom().Get("season")
	require.NoError(t, err)
	assert.Equal(t, late.ID, got.(*customfields.CustomValue).ID)

	// The address set is replaced, dropped members are detached
	assert.Equal(t, []uint{addr2.ID, addr3.ID}, personAddressIDs(t, db, person.ID))
	var detached models.Address
	require.NoError(t, db.First(&detached, addr1.ID).Error)
	assert.Nil(t, detached.TargetType)
	assert.Nil(t, detached.TargetID)
}

func TestPersonService_ImportPersons_Errors(t *testing.T) {
	db, svc := setupPersonService(t, importTable())
	addr := mustCreateAddress(t, db, "Bern")

	t.Run("every unknown address uid is reported", func(t *testing.T) {
		missing1 := uuid.New().String()
		missing2 := uuid.New().String()
		_, err := svc.ImportPersons(context.Background(), []map[string]interface{}{{
			"external_firstname": "Hugo",
			"external_addresses": []interface{}{addr.ExternalUID.String(), missing1, missing2},
		}})
		var lookupErr *customfields.LookupError
		require.ErrorAs(t, err, &lookupErr)
		assert.Equal(t, "address", lookupErr.Resource)
		assert.ElementsMatch(t, []string{missing1, missing2}, lookupErr.MissingIDs)
	})

	t.Run("malformed uid", func(t *testing.T) {
		_, err := svc.ImportPersons(context.Background(), []map[string]interface{}{{
			"external_firstname": "Hugo",
			"external_addresses": []interface{}{"not-a-uuid"},
		}})
		var lookupErr *customfields.LookupError
		require.ErrorAs(t, err, &lookupErr)
		assert.Equal(t, []string{"not-a-uuid"}, lookupErr.MissingIDs)
	})

	t.Run("no mapping table configured", func(t *testing.T) {
		_, bare := setupPersonService(t, nil)
		_, err := bare.ImportPersons(context.Background(), []map[string]interface{}{{
			"external_firstname": "Hugo",
		}})
		assert.Error(t, err)
	})

	t.Run("a failing payload rolls back the whole batch", func(t *testing.T) {
		_, err := svc.ImportPersons(context.Background(), []map[string]interface{}{
			{"external_firstname": "Anna"},
			{"external_firstname": ""},
		})
		require.Error(t, err)
		var count int64
		require.NoError(t, db.Model(&models.Person{}).Count(&count).Error)
		assert.EqualValues(t, 0, count)
	})
}

func TestPersonService_DeletePerson(t *testing.T) {
	db, svc := setupPersonService(t, nil)
	mustCreateField(t, db, customfields.CustomField{Identifier: "nickname", AllowBlank: true, AllowNull: true})
	addr := mustCreateAddress(t, db, "Bern")

	person, err := svc.CreatePerson(map[string]interface{}{
		"firstname": "Hugo",
		"nickname":  "Huges",
		"addresses": []interface{}{addr.ExternalUID.String()},
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePerson(person.ID))

	_, err = svc.GetPerson(person.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var joinRows int64
	require.NoError(t, db.Model(&models.PersonCustomValue{}).Where("person_id = ?", person.ID).Count(&joinRows).Error)
	assert.EqualValues(t, 0, joinRows)

	// The address survives, detached
	var detached models.Address
	require.NoError(t, db.First(&detached, addr.ID).Error)
	assert.Nil(t, detached.TargetType)
}

func TestPersonService_RenderPerson(t *testing.T) {
	db, svc := setupPersonService(t, nil)
	mustCreateField(t, db, customfields.CustomField{Identifier: "birthday", FieldType: customfields.FieldTypeDate, AllowNull: true})
	addr := mustCreateAddress(t, db, "Bern")

	person, err := svc.CreatePerson(map[string]interface{}{
		"firstname":          "Hugo",
		"lastname":           "Boss",
		"birthday":           "1990-05-12",
		"place_of_residence": "Muri",
		"addresses":          []interface{}{addr.ExternalUID.String()},
	})
	require.NoError(t, err)

	loaded, err := svc.GetPerson(person.ID)
	require.NoError(t, err)
	out, err := svc.RenderPerson(loaded)
	require.NoError(t, err)

	assert.Equal(t, "Hugo", out["firstname"])
	assert.Equal(t, "1990-05-12", out["birthday"])
	assert.Equal(t, map[string]interface{}{
		"id":    loaded.PlaceOfResidence.ID,
		"title": "Muri",
	}, out["placeOfResidence"])
	assert.Nil(t, out["personType"])

	addresses := out["addresses"].([]interface{})
	require.Len(t, addresses, 1)
	rendered := addresses[0].(map[string]interface{})
	assert.Equal(t, "Bern", rendered["city"])
	assert.Equal(t, addr.ExternalUID.String(), rendered["externalUid"])
}

func TestPersonService_ImportPersons_UniqueField(t *testing.T) {
	table := importTable()
	table.UniqueField = "uid"
	db, svc := setupPersonService(t, table)

	district := models.ElectionDistrict{UID: uuid.New(), Title: "Koeniz"}
	require.NoError(t, db.Create(&district).Error)

	persons, err := svc.ImportPersons(context.Background(), []map[string]interface{}{{
		"external_firstname": "Hugo",
		"external_district":  district.UID.String(),
		"external_place":     "Muri",
	}})
	require.NoError(t, err)
	require.Len(t, persons, 1)

	loaded, err := svc.GetPerson(persons[0].ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ElectionDistrict)
	assert.Equal(t, district.ID, loaded.ElectionDistrict.ID)

	// The existing district is matched by uid, not re-created under the
	// uid string as a title
	var districts int64
	require.NoError(t, db.Model(&models.ElectionDistrict{}).Count(&districts).Error)
	assert.EqualValues(t, 1, districts)

	// Targets without the overridden field keep their registered natural key
	require.NotNil(t, loaded.PlaceOfResidence)
	assert.Equal(t, "Muri", loaded.PlaceOfResidence.Title)
}

func TestPersonService_CustomFieldsDisabled(t *testing.T) {
	db := SetupSQLiteTestDB(t)
	store := NewTestStore(t, db, time.UTC)
	provider := settings.NewStaticProvider(nil, map[string]bool{
		models.EntityTypeAddress: true,
	})
	store.SetEnabledCheck(func(entityType string) (bool, error) {
		return provider.CustomFieldsEnabled(context.Background(), entityType)
	})
	svc := NewPersonService(db, store, provider)

	mustCreateField(t, db, customfields.CustomField{Identifier: "badge", Required: true})

	// The required field is not enforced and the payload key is ignored
	person, err := svc.CreatePerson(map[string]interface{}{
		"firstname": "Hugo",
		"badge":     "gold",
	})
	require.NoError(t, err)
	assert.Empty(t, person.Custom().Known())

	_, err = person.Custom().Get("badge")
	var unknown *customfields.UnknownFieldError
	assert.ErrorAs(t, err, &unknown)

	var joinRows int64
	require.NoError(t, db.Model(&models.PersonCustomValue{}).Where("person_id = ?", person.ID).Count(&joinRows).Error)
	assert.EqualValues(t, 0, joinRows)
}
