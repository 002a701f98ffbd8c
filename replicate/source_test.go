package replicate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanRecordStripsInternalFields(t *testing.T) {
	var in = Record{
		"id":        "u1",
		"name":      "ada",
		"$overflow": true,
		"_partition": "p01",
		"_id":        "mongo-oid",
	}
	var out = CleanRecord(in, nil, false)
	require.Equal(t, Record{"id": "u1", "name": "ada"}, out)
}

func TestCleanRecordKeepsUnderscoreID(t *testing.T) {
	var out = CleanRecord(Record{"_id": "u1", "_rev": "3", "name": "ada"}, nil, true)
	require.Equal(t, Record{"_id": "u1", "name": "ada"}, out)
}

func TestCleanRecordStripsPluginAttributes(t *testing.T) {
	var out = CleanRecord(Record{
		"id":        "u1",
		"embedding": []interface{}{0.1, 0.2},
		"audit_log": "x",
	}, []string{"embedding", "audit_log"}, false)
	require.Equal(t, Record{"id": "u1"}, out)
}

func TestCleanRecordShallowCopies(t *testing.T) {
	var in = Record{"id": "u1"}
	var out = CleanRecord(in, nil, false)
	out["added"] = true
	require.NotContains(t, in, "added")
}

func TestAttributeType(t *testing.T) {
	require.Equal(t, "string|required", AttributeType("string|required"))
	require.Equal(t, "number", AttributeType(map[string]interface{}{"type": "number", "min": 0}))
	require.Equal(t, "", AttributeType(map[string]interface{}{"min": 0}))
	require.Equal(t, "", AttributeType(42))
}
