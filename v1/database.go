package v1

import (
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/civic-dx/register-backend/v1/customfields"
	"github.com/civic-dx/register-backend/v1/models"
)

// DatabaseConfig holds the PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            string
	Username        string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewDatabaseConfig builds the configuration from environment variables with
// local-development defaults
func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:            getEnvOrDefault("REGISTER_DB_HOSTNAME", "localhost"),
		Port:            getEnvOrDefault("REGISTER_DB_PORT", "5432"),
		Username:        getEnvOrDefault("REGISTER_DB_USERNAME", "postgres"),
		Password:        getEnvOrDefault("REGISTER_DB_PASSWORD", "password"),
		Database:        getEnvOrDefault("REGISTER_DB_DATABASENAME", "register"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "require"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// ConnectGormDB opens the database connection and configures the pool
func ConnectGormDB(config *DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return db, nil
}

// MigrateSchema creates or updates all tables
func MigrateSchema(db *gorm.DB) error {
	return db.AutoMigrate(
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
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
