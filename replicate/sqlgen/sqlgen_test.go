package sqlgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func userShape() TableShape {
	return ShapeTable("users", map[string]string{
		"name":  "string|required|maxlength:100",
		"email": "string|required",
		"age":   "number|min:0|max:150",
		"meta":  "object",
	})
}

func TestShapeTable(t *testing.T) {
	var shape = userShape()
	require.Equal(t, "users", shape.Name)
	// Columns are lexicographic for determinism.
	var names []string
	for _, col := range shape.Columns {
		names = append(names, col.Name)
	}
	require.Equal(t, []string{"age", "email", "meta", "name"}, names)
	require.False(t, shape.HasCreatedAt)
	require.False(t, shape.HasUpdatedAt)
}

func TestShapeTableSkipsIDAndDetectsTimestamps(t *testing.T) {
	var shape = ShapeTable("t", map[string]string{
		"id":        "string",
		"createdAt": "datetime",
		"updatedAt": "datetime",
	})
	require.True(t, shape.HasCreatedAt)
	require.True(t, shape.HasUpdatedAt)
	for _, col := range shape.Columns {
		require.NotEqual(t, "id", col.Name)
	}
}

func TestColumnNames(t *testing.T) {
	var names = ColumnNames(map[string]interface{}{
		"zeta": 1, "id": "x", "alpha": 2,
	})
	require.Equal(t, []string{"id", "alpha", "zeta"}, names)

	// id is always first, even when absent from the record.
	require.Equal(t, []string{"id"}, ColumnNames(map[string]interface{}{"id": "x"}))
}

func TestPostgresCreateTable(t *testing.T) {
	var ddl = PostgresGenerator().CreateTable(userShape())
	require.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "users"`)
	require.Contains(t, ddl, `"id" VARCHAR(255) PRIMARY KEY`)
	require.Contains(t, ddl, `"name" VARCHAR(100) NOT NULL`)
	require.Contains(t, ddl, `"email" TEXT NOT NULL`)
	require.Contains(t, ddl, `"age" INTEGER NULL`)
	require.Contains(t, ddl, `"meta" JSONB NULL`)
	require.Contains(t, ddl, `"created_at" TIMESTAMPTZ DEFAULT NOW()`)
	require.Contains(t, ddl, `"updated_at" TIMESTAMPTZ DEFAULT NOW()`)
}

func TestMySQLCreateTable(t *testing.T) {
	var ddl = MySQLGenerator().CreateTable(userShape())
	require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS `users`")
	require.Contains(t, ddl, "`id` VARCHAR(255) PRIMARY KEY")
	require.Contains(t, ddl, "`name` VARCHAR(100) NOT NULL")
	require.Contains(t, ddl, "`age` INT NULL")
	require.Contains(t, ddl, "`meta` JSON NULL")
	require.Contains(t, ddl, "`updated_at` DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP")
}

func TestMySQLCapsVarchar(t *testing.T) {
	// MySQL maps long maxlength strings to TEXT rather than oversized VARCHAR.
	var gen = MySQLGenerator()
	var long = gen.ColumnDef(Column{Name: "bio", Type: ParseFieldType("string|maxlength:5000")})
	require.Contains(t, long, "TEXT")
	var short = gen.ColumnDef(Column{Name: "bio", Type: ParseFieldType("string|maxlength:255")})
	require.Contains(t, short, "VARCHAR(255)")
}

func TestSQLiteCreateTable(t *testing.T) {
	var ddl = SQLiteGenerator().CreateTable(userShape())
	require.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "users"`)
	require.Contains(t, ddl, `"id" TEXT PRIMARY KEY`)
	require.Contains(t, ddl, `"age" INTEGER NULL`)
	require.Contains(t, ddl, `"meta" TEXT NULL`)
	require.Contains(t, ddl, `"created_at" TEXT DEFAULT (datetime('now'))`)
}

func TestCreateTableSuppressesGeneratedTimestamps(t *testing.T) {
	var ddl = PostgresGenerator().CreateTable(ShapeTable("t", map[string]string{
		"createdAt": "datetime",
		"updatedAt": "datetime",
	}))
	require.NotContains(t, ddl, "created_at")
	require.NotContains(t, ddl, "updated_at")
}

func TestAddColumnAndDropTable(t *testing.T) {
	var gen = PostgresGenerator()
	require.Equal(t,
		`ALTER TABLE "users" ADD COLUMN "nick" TEXT NULL;`,
		gen.AddColumn("users", Column{Name: "nick", Type: ParseFieldType("string")}))
	require.Equal(t, `DROP TABLE IF EXISTS "users";`, gen.DropTable("users"))
}

func TestPostgresDML(t *testing.T) {
	var gen = PostgresGenerator()
	var columns = []string{"id", "name"}

	require.Equal(t,
		`INSERT INTO "users" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO NOTHING RETURNING *;`,
		gen.InsertIgnore("users", columns))
	require.Equal(t,
		`INSERT INTO "users" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name" RETURNING *;`,
		gen.Upsert("users", columns))
	require.Equal(t,
		`DELETE FROM "users" WHERE "id" = $1 RETURNING *;`,
		gen.DeleteByID("users"))

	// An id-only upsert degrades to the conflict-ignoring insert.
	require.Equal(t,
		gen.InsertIgnore("users", []string{"id"}),
		gen.Upsert("users", []string{"id"}))
}

func TestMySQLDML(t *testing.T) {
	var gen = MySQLGenerator()
	var columns = []string{"id", "name"}

	require.Equal(t,
		"INSERT INTO `users` (`id`, `name`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `id` = `id`;",
		gen.InsertIgnore("users", columns))
	require.Equal(t,
		"INSERT INTO `users` (`id`, `name`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `name` = VALUES(`name`);",
		gen.Upsert("users", columns))
	require.Equal(t,
		"DELETE FROM `users` WHERE `id` = ?;",
		gen.DeleteByID("users"))
}

func TestSQLiteDML(t *testing.T) {
	var gen = SQLiteGenerator()
	var columns = []string{"id", "name"}

	require.Equal(t,
		`INSERT INTO "users" ("id", "name") VALUES (?, ?) ON CONFLICT ("id") DO NOTHING;`,
		gen.InsertIgnore("users", columns))
	require.Equal(t,
		`INSERT INTO "users" ("id", "name") VALUES (?, ?) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name";`,
		gen.Upsert("users", columns))
	require.Equal(t,
		`DELETE FROM "users" WHERE "id" = ?;`,
		gen.DeleteByID("users"))
}

func TestLogTableDDL(t *testing.T) {
	var stmts = PostgresGenerator().LogTableDDL("replication_log")
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "replication_log"`)
	require.Contains(t, stmts[0], `"id" BIGSERIAL PRIMARY KEY`)
	require.Contains(t, stmts[0], `"resource_name" TEXT NOT NULL`)
	require.Contains(t, stmts[1], `"idx_replication_log_resource_name"`)
	require.Contains(t, stmts[2], `"idx_replication_log_timestamp"`)

	// Qualified table names produce legal index identifiers.
	stmts = PostgresGenerator().LogTableDDL("audit.log")
	require.Contains(t, stmts[1], `"idx_audit_log_resource_name"`)
}

func TestLogInsert(t *testing.T) {
	require.Equal(t,
		`INSERT INTO "replication_log" ("resource_name", "operation", "record_id", "data", "source") VALUES ($1, $2, $3, $4, $5);`,
		PostgresGenerator().LogInsert("replication_log"))
	require.Equal(t,
		"INSERT INTO `replication_log` (`resource_name`, `operation`, `record_id`, `data`, `source`) VALUES (?, ?, ?, ?, ?);",
		MySQLGenerator().LogInsert("replication_log"))
}
