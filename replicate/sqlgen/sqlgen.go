package sqlgen

import (
	"fmt"
	"sort"
	"strings"
)

// TokenPair wraps identifiers for quoting: double quotes for Postgres and
// SQLite, backticks for MySQL.
type TokenPair struct {
	Left  string
	Right string
}

// Wrap surrounds |text| with the pair.
func (p TokenPair) Wrap(text string) string {
	return p.Left + text + p.Right
}

// DoubleQuotes returns the ANSI identifier quoting pair.
func DoubleQuotes() TokenPair { return TokenPair{Left: `"`, Right: `"`} }

// Backticks returns the MySQL identifier quoting pair.
func Backticks() TokenPair { return TokenPair{Left: "`", Right: "`"} }

// A TypeMapper resolves a parsed FieldType to a dialect column type.
// Mappers compose: a BaseTypeMapper dispatches on the base type and falls back
// to a defensive text type for anything unknown.
type TypeMapper interface {
	ColumnType(ft FieldType) string
}

// ConstType maps every field to a fixed column type.
type ConstType string

func (t ConstType) ColumnType(FieldType) string { return string(t) }

// MaxLengthable maps strings to a length-constrained type when maxlength is
// present (and within Cap, when Cap is set), else to the unbounded type.
type MaxLengthable struct {
	WithLength    string // contains one %d verb
	WithoutLength string
	Cap           int
}

func (t MaxLengthable) ColumnType(ft FieldType) string {
	if ft.MaxLength > 0 && (t.Cap == 0 || ft.MaxLength <= t.Cap) {
		return fmt.Sprintf(t.WithLength, ft.MaxLength)
	}
	return t.WithoutLength
}

// NumberType maps bounded-integer numbers to Integer and everything else to Float.
type NumberType struct {
	Integer string
	Float   string
}

func (t NumberType) ColumnType(ft FieldType) string {
	if ft.IsBoundedInt() {
		return t.Integer
	}
	return t.Float
}

// BaseTypeMapper dispatches on the field's base type.
type BaseTypeMapper struct {
	ByBase   map[string]TypeMapper
	Fallback TypeMapper
}

func (m BaseTypeMapper) ColumnType(ft FieldType) string {
	if mapper, ok := m.ByBase[ft.Base]; ok {
		return mapper.ColumnType(ft)
	}
	return m.Fallback.ColumnType(ft)
}

// Column is one generated destination column.
type Column struct {
	Name string
	Type FieldType
}

// TableShape is the expected destination shape for one resource table.
type TableShape struct {
	Name    string
	Columns []Column
	// HasCreatedAt / HasUpdatedAt are set when the source attribute map
	// defines its own createdAt / updatedAt fields, suppressing the generated
	// timestamp columns.
	HasCreatedAt bool
	HasUpdatedAt bool
}

// ShapeTable builds the expected shape from an attribute map (field name to
// pipe notation). Attribute maps arrive as JSON objects, so insertion order is
// not observable; columns are ordered lexicographically for determinism. A
// field named "id" is skipped: the always-first id column takes precedence.
func ShapeTable(name string, attrs map[string]string) TableShape {
	var shape = TableShape{Name: name}

	var fields = make([]string, 0, len(attrs))
	for field := range attrs {
		switch field {
		case "id":
			continue
		case "createdAt":
			shape.HasCreatedAt = true
		case "updatedAt":
			shape.HasUpdatedAt = true
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		shape.Columns = append(shape.Columns, Column{
			Name: field,
			Type: ParseFieldType(attrs[field]),
		})
	}
	return shape
}

// ColumnNames lists record keys in deterministic (sorted) order with "id"
// first, for building parameterised DML from a payload.
func ColumnNames(record map[string]interface{}) []string {
	var names []string
	for name := range record {
		if name != "id" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{"id"}, names...)
}

// Generator produces DDL and DML for one SQL dialect.
type Generator struct {
	Dialect     string
	Quotes      TokenPair
	Placeholder func(int) string
	Types       TypeMapper

	// IDColumnDDL is the always-first primary key column definition.
	IDColumnDDL string
	// CreatedDDL / UpdatedDDL are the generated timestamp column definitions.
	CreatedDDL string
	UpdatedDDL string
	// AutoPKDDL is the autoincrement primary key used by the log table.
	AutoPKDDL string

	// Dialect-specific statement builders.
	insertIgnore func(g *Generator, table string, columns []string) string
	upsert       func(g *Generator, table string, columns []string) string
	deleteByID   func(g *Generator, table string) string
}

// Ident quotes an identifier.
func (g *Generator) Ident(name string) string { return g.Quotes.Wrap(name) }

// ColumnDef renders one column definition with its nullability.
func (g *Generator) ColumnDef(col Column) string {
	var null = "NULL"
	if col.Type.Required {
		null = "NOT NULL"
	}
	return fmt.Sprintf("%s %s %s", g.Ident(col.Name), g.Types.ColumnType(col.Type), null)
}

// CreateTable renders the CREATE TABLE statement for |shape|. The id column is
// always first; generated created_at / updated_at columns are appended unless
// the source defines its own.
func (g *Generator) CreateTable(shape TableShape) string {
	var defs = []string{fmt.Sprintf("%s %s", g.Ident("id"), g.IDColumnDDL)}
	for _, col := range shape.Columns {
		defs = append(defs, g.ColumnDef(col))
	}
	if !shape.HasCreatedAt {
		defs = append(defs, fmt.Sprintf("%s %s", g.Ident("created_at"), g.CreatedDDL))
	}
	if !shape.HasUpdatedAt {
		defs = append(defs, fmt.Sprintf("%s %s", g.Ident("updated_at"), g.UpdatedDDL))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);",
		g.Ident(shape.Name), strings.Join(defs, ",\n\t"))
}

// AddColumn renders an ALTER TABLE ADD COLUMN statement.
func (g *Generator) AddColumn(table string, col Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", g.Ident(table), g.ColumnDef(col))
}

// DropTable renders a DROP TABLE IF EXISTS statement.
func (g *Generator) DropTable(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", g.Ident(table))
}

// InsertIgnore renders the conflict-ignoring insert used for the insert path.
// Replaying the same event is a no-op on destination row count.
func (g *Generator) InsertIgnore(table string, columns []string) string {
	return g.insertIgnore(g, table, columns)
}

// Upsert renders the insert-or-update statement used for the update path.
func (g *Generator) Upsert(table string, columns []string) string {
	return g.upsert(g, table, columns)
}

// DeleteByID renders the parameterised delete.
func (g *Generator) DeleteByID(table string) string {
	return g.deleteByID(g, table)
}

func (g *Generator) identList(columns []string) string {
	var quoted = make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = g.Ident(col)
	}
	return strings.Join(quoted, ", ")
}

func (g *Generator) placeholderList(n int) string {
	var out = make([]string, n)
	for i := range out {
		out[i] = g.Placeholder(i)
	}
	return strings.Join(out, ", ")
}

// LogTableDDL renders the audit log table and its indexes. The log table
// receives one row per replicated event; writes to it are best-effort.
func (g *Generator) LogTableDDL(table string) []string {
	var create = fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s %s,\n\t%s TEXT NOT NULL,\n\t%s TEXT NOT NULL,\n\t%s TEXT NOT NULL,\n\t%s TEXT,\n\t%s %s,\n\t%s TEXT NOT NULL\n);",
		g.Ident(table),
		g.Ident("id"), g.AutoPKDDL,
		g.Ident("resource_name"),
		g.Ident("operation"),
		g.Ident("record_id"),
		g.Ident("data"),
		g.Ident("timestamp"), g.CreatedDDL,
		g.Ident("source"),
	)
	var indexName = strings.ReplaceAll(table, ".", "_")
	return []string{
		create,
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			g.Ident("idx_"+indexName+"_resource_name"), g.Ident(table), g.Ident("resource_name")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			g.Ident("idx_"+indexName+"_timestamp"), g.Ident(table), g.Ident("timestamp")),
	}
}

// LogInsert renders the parameterised audit row insert
// (resource_name, operation, record_id, data, source).
func (g *Generator) LogInsert(table string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		g.Ident(table),
		g.identList([]string{"resource_name", "operation", "record_id", "data", "source"}),
		g.placeholderList(5))
}
