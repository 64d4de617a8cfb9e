package mapping

import (
	"fmt"
)

// Table is the declarative external-to-internal field mapping: one block per
// entity type, each a flat map of external field path to internal field path.
// External paths address nested dictionaries in inbound payloads with dots;
// internal paths use the configured separator to traverse relations and reach
// custom fields.
type Table struct {
	Entities map[string]map[string]string
	// UniqueField overrides the natural key used when a mapped relation is
	// addressed by value
	UniqueField string
}

// ParseTable builds a Table from decoded JSON configuration. Top-level entries
// whose value is not an object are option entries, not entity blocks; only
// the recognized ones are read, the rest are skipped.
func ParseTable(raw map[string]interface{}) (*Table, error) {
	t := &Table{Entities: make(map[string]map[string]string)}
	for key, value := range raw {
		block, ok := value.(map[string]interface{})
		if !ok {
			if key == "unique_field" {
				s, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("mapping option %q must be a string, got %T", key, value)
				}
				t.UniqueField = s
			}
			continue
		}
		entries := make(map[string]string, len(block))
		for external, internal := range block {
			s, ok := internal.(string)
			if !ok {
				return nil, fmt.Errorf("mapping entry %q.%q must be a string path, got %T", key, external, internal)
			}
			entries[external] = s
		}
		t.Entities[key] = entries
	}
	return t, nil
}

// EntityEntries returns the external-to-internal entries for an entity type
func (t *Table) EntityEntries(entityType string) (map[string]string, error) {
	entries, ok := t.Entities[entityType]
	if !ok {
		return nil, fmt.Errorf("no mapping configured for entity type %q", entityType)
	}
	return entries, nil
}
