package mapping

import (
	"sort"
	"strings"
)

// MapData rewrites one external payload into the internal shape for an entity
// type. External dotted paths are looked up through the payload's nested
// dictionaries; internal dotted paths are expanded into nested dictionaries in
// the result. External keys without a mapping entry are dropped, mapping
// entries without a payload value are skipped. The rewrite is a pure shape
// transformation; no typing or relation resolution happens here.
func (t *Table) MapData(entityType string, data map[string]interface{}) (map[string]interface{}, error) {
	entries, err := t.EntityEntries(entityType)
	if err != nil {
		return nil, err
	}

	// Deterministic application order regardless of map iteration
	externals := make([]string, 0, len(entries))
	for external := range entries {
		externals = append(externals, external)
	}
	sort.Strings(externals)

	out := make(map[string]interface{})
	for _, external := range externals {
		value, found := dig(data, strings.Split(external, "."))
		if !found {
			continue
		}
		bury(out, strings.Split(entries[external], "."), value)
	}
	return out, nil
}

// MapList applies MapData element-wise to a list payload
func (t *Table) MapList(entityType string, data []map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(data))
	for _, item := range data {
		mapped, err := t.MapData(entityType, item)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped)
	}
	return out, nil
}

// dig walks nested dictionaries along the path segments
func dig(data map[string]interface{}, path []string) (interface{}, bool) {
	current := data
	for i, segment := range path {
		value, ok := current[segment]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return value, true
		}
		nested, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = nested
	}
	return nil, false
}

// bury writes a value at the path, creating nested dictionaries as needed
func bury(data map[string]interface{}, path []string, value interface{}) {
	current := data
	for _, segment := range path[:len(path)-1] {
		nested, ok := current[segment].(map[string]interface{})
		if !ok {
			nested = make(map[string]interface{})
			current[segment] = nested
		}
		current = nested
	}
	current[path[len(path)-1]] = value
}
