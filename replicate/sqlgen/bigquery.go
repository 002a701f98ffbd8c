package sqlgen

// BigQuery mutability modes. They decide write semantics and which tracking
// columns are appended to the generated schema.
const (
	MutabilityAppendOnly = "append-only"
	MutabilityMutable    = "mutable"
	MutabilityImmutable  = "immutable"
)

// ValidMutability reports whether |m| names a known mode.
func ValidMutability(m string) bool {
	switch m {
	case MutabilityAppendOnly, MutabilityMutable, MutabilityImmutable:
		return true
	}
	return false
}

// Tracking column names appended for append-only and immutable tables.
const (
	ColOperationType      = "_operation_type"
	ColOperationTimestamp = "_operation_timestamp"
	ColIsDeleted          = "_is_deleted"
	ColVersion            = "_version"
)

// BigQueryField is a dialect-neutral BigQuery schema field. The driver maps it
// onto the client library's schema type.
type BigQueryField struct {
	Name     string
	Type     string
	Required bool
}

// BigQueryType maps a parsed FieldType to a BigQuery column type.
func BigQueryType(ft FieldType) string {
	switch ft.Base {
	case "string", "ip4", "ip6", "secret", "uuid":
		return "STRING"
	case "number":
		if ft.IsBoundedInt() {
			return "INT64"
		}
		return "FLOAT64"
	case "boolean":
		return "BOOL"
	case "object", "json", "array", "embedding":
		return "JSON"
	case "date":
		return "DATE"
	case "datetime":
		return "TIMESTAMP"
	default:
		return "STRING"
	}
}

// BigQueryFields builds the expected schema field list for |shape| under the
// given mutability: id first (STRING, REQUIRED), source columns, then
// tracking columns for append-only and immutable tables.
func BigQueryFields(shape TableShape, mutability string) []BigQueryField {
	var fields = []BigQueryField{{Name: "id", Type: "STRING", Required: true}}

	for _, col := range shape.Columns {
		fields = append(fields, BigQueryField{
			Name:     col.Name,
			Type:     BigQueryType(col.Type),
			Required: col.Type.Required,
		})
	}

	switch mutability {
	case MutabilityAppendOnly:
		fields = append(fields,
			BigQueryField{Name: ColOperationType, Type: "STRING"},
			BigQueryField{Name: ColOperationTimestamp, Type: "TIMESTAMP"},
		)
	case MutabilityImmutable:
		fields = append(fields,
			BigQueryField{Name: ColOperationType, Type: "STRING"},
			BigQueryField{Name: ColOperationTimestamp, Type: "TIMESTAMP"},
			BigQueryField{Name: ColIsDeleted, Type: "BOOL"},
			BigQueryField{Name: ColVersion, Type: "INT64"},
		)
	}
	return fields
}
