package services

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/models"
)

// setupMockDB creates a mock database for driver-level error tests
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	var db *sql.DB
	var mock sqlmock.Sqlmock
	var err error

	db, mock, err = sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return gormDB, mock, cleanup
}

func TestCustomFieldService_ListFields_DatabaseError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	store := customfields.NewStore(db, NewTestRegistry(t), customfields.NewCoercer(time.UTC))
	service := NewCustomFieldService(db, store)

	mock.ExpectQuery(`SELECT \* FROM "custom_fields"`).
		WillReturnError(errors.New("connection reset by peer"))

	fields, err := service.ListFields(models.EntityTypePerson)

	assert.Error(t, err)
	assert.Nil(t, fields)
	assert.Contains(t, err.Error(), "failed to list custom fields")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersonService_ListPersons_DatabaseError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	store := customfields.NewStore(db, NewTestRegistry(t), customfields.NewCoercer(time.UTC))
	service := NewPersonService(db, store, nil)

	mock.ExpectQuery(`SELECT \* FROM "persons"`).
		WillReturnError(errors.New("connection reset by peer"))

	persons, err := service.ListPersons()

	assert.Error(t, err)
	assert.Nil(t, persons)
	assert.Contains(t, err.Error(), "failed to list persons")
	assert.NoError(t, mock.ExpectationsWereMet())
}
