package file

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/s3db-io/replicator/replicate"
)

// sortedColumns returns the record's keys in lexicographic order. File sinks
// need a stable column order and the source attribute map carries none.
func sortedColumns(record replicate.Record) []string {
	var out = make([]string, 0, len(record))
	for name := range record {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// cellString renders a value for a text cell. Nested values are
// JSON-stringified; nil renders empty.
func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]interface{}, []interface{}:
		if raw, err := json.Marshal(t); err == nil {
			return string(raw)
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// flatValue keeps scalars as-is and JSON-stringifies nested values, for sinks
// with typed cells.
func flatValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
	}
	return v
}
