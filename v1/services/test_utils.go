package services

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	v1 "github.com/civic-dx/register-backend/v1"
	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/models"
)

// SetupSQLiteTestDB creates an in-memory SQLite database with the full schema
func SetupSQLiteTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to SQLite test database: %v", err)
	}

	// Auto-migrate all models
	err = db.AutoMigrate(
		&customfields.CustomField{},
		&customfields.CustomValue{},
		&models.PersonType{},
		&models.Municipality{},
		&models.ElectionDistrict{},
		&models.Person{},
		&models.Address{},
		&models.PersonCustomValue{},
		&models.AddressCustomValue{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

// NewTestStore builds a store over a fresh registry, with datetimes written
// in the given zone
func NewTestStore(t *testing.T, db *gorm.DB, loc *time.Location) *customfields.Store {
	registry := NewTestRegistry(t)
	return customfields.NewStore(db, registry, customfields.NewCoercer(loc))
}

// NewTestRegistry builds the production entity registry for tests
func NewTestRegistry(t *testing.T) *customfields.Registry {
	registry, err := v1.BuildRegistry()
	if err != nil {
		t.Fatalf("Failed to build entity registry: %v", err)
	}
	return registry
}
