package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/civic-dx/register-backend/v1/mapping"
)

// Provider supplies runtime configuration that may change without a process
// restart: the field mapping table and feature toggles. Consumers read on
// each lookup instead of caching at startup.
type Provider interface {
	// MappingTable returns the current external-to-internal field mapping
	MappingTable(ctx context.Context) (*mapping.Table, error)
	// CustomFieldsEnabled reports whether an entity type participates in
	// custom fields
	CustomFieldsEnabled(ctx context.Context, entityType string) (bool, error)
}

// StaticProvider serves fixed configuration. Used in tests and as the
// fallback when no live configuration store is configured.
type StaticProvider struct {
	mu      sync.RWMutex
	table   *mapping.Table
	enabled map[string]bool
}

// NewStaticProvider creates a provider serving the given table. A nil entity
// set enables custom fields for every entity type.
func NewStaticProvider(table *mapping.Table, enabled map[string]bool) *StaticProvider {
	return &StaticProvider{table: table, enabled: enabled}
}

func (p *StaticProvider) MappingTable(ctx context.Context) (*mapping.Table, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.table == nil {
		return nil, fmt.Errorf("no mapping table configured")
	}
	return p.table, nil
}

func (p *StaticProvider) CustomFieldsEnabled(ctx context.Context, entityType string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.enabled == nil {
		return true, nil
	}
	return p.enabled[entityType], nil
}

// SetMappingTable swaps the served table. Tests use this to simulate a live
// configuration change.
func (p *StaticProvider) SetMappingTable(table *mapping.Table) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table = table
}

// decodeTable parses a JSON mapping document into a table
func decodeTable(raw []byte) (*mapping.Table, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("mapping configuration is not valid JSON: %w", err)
	}
	return mapping.ParseTable(decoded)
}
