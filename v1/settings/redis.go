package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civic-dx/register-backend/v1/mapping"
)

const (
	// MappingTableKey holds the JSON mapping document
	MappingTableKey = "settings:mapping_table"
	// customFieldsKeyPrefix + entityType holds "0" or "1"
	customFieldsKeyPrefix = "settings:custom_fields:"
)

// RedisConfig holds the connection settings for the configuration store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisProvider reads live configuration from Redis on each lookup, so
// operator changes take effect without a restart
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider creates and pings a Redis-backed provider
func NewRedisProvider(cfg *RedisConfig) (*RedisProvider, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisProvider{client: rdb}, nil
}

// Close closes the Redis connection
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

func (p *RedisProvider) MappingTable(ctx context.Context) (*mapping.Table, error) {
	raw, err := p.client.Get(ctx, MappingTableKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("no mapping table configured under %q", MappingTableKey)
		}
		return nil, fmt.Errorf("failed to read mapping table: %w", err)
	}
	return decodeTable(raw)
}

func (p *RedisProvider) CustomFieldsEnabled(ctx context.Context, entityType string) (bool, error) {
	value, err := p.client.Get(ctx, customFieldsKeyPrefix+entityType).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Entity types participate unless explicitly disabled
			return true, nil
		}
		return false, fmt.Errorf("failed to read custom field toggle for %q: %w", entityType, err)
	}
	return value != "0" && value != "false", nil
}

// SetMappingTable stores a JSON mapping document, validating it parses first
func (p *RedisProvider) SetMappingTable(ctx context.Context, raw []byte) error {
	if _, err := decodeTable(raw); err != nil {
		return err
	}
	if err := p.client.Set(ctx, MappingTableKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store mapping table: %w", err)
	}
	return nil
}
