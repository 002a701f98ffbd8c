package sqlgen

import (
	"fmt"
	"strings"
)

func postgresPlaceholder(i int) string { return fmt.Sprintf("$%d", i+1) }
func questionPlaceholder(int) string   { return "?" }

// PostgresGenerator returns the Generator for the PostgreSQL dialect.
func PostgresGenerator() *Generator {
	var types = BaseTypeMapper{
		ByBase: map[string]TypeMapper{
			"string":    MaxLengthable{WithLength: "VARCHAR(%d)", WithoutLength: "TEXT"},
			"number":    NumberType{Integer: "INTEGER", Float: "DOUBLE PRECISION"},
			"boolean":   ConstType("BOOLEAN"),
			"object":    ConstType("JSONB"),
			"json":      ConstType("JSONB"),
			"array":     ConstType("JSONB"),
			"embedding": ConstType("JSONB"),
			"ip4":       ConstType("INET"),
			"ip6":       ConstType("INET"),
			"secret":    ConstType("TEXT"),
			"uuid":      ConstType("UUID"),
			"date":      ConstType("TIMESTAMPTZ"),
			"datetime":  ConstType("TIMESTAMPTZ"),
		},
		Fallback: ConstType("TEXT"),
	}

	return &Generator{
		Dialect:     "postgres",
		Quotes:      DoubleQuotes(),
		Placeholder: postgresPlaceholder,
		Types:       types,
		IDColumnDDL: "VARCHAR(255) PRIMARY KEY",
		CreatedDDL:  "TIMESTAMPTZ DEFAULT NOW()",
		UpdatedDDL:  "TIMESTAMPTZ DEFAULT NOW()",
		AutoPKDDL:   "BIGSERIAL PRIMARY KEY",
		insertIgnore: func(g *Generator, table string, columns []string) string {
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING RETURNING *;",
				g.Ident(table), g.identList(columns), g.placeholderList(len(columns)), g.Ident("id"))
		},
		upsert: func(g *Generator, table string, columns []string) string {
			var sets []string
			for _, col := range columns {
				if col == "id" {
					continue
				}
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", g.Ident(col), g.Ident(col)))
			}
			if len(sets) == 0 {
				return g.insertIgnore(g, table, columns)
			}
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING *;",
				g.Ident(table), g.identList(columns), g.placeholderList(len(columns)),
				g.Ident("id"), strings.Join(sets, ", "))
		},
		deleteByID: func(g *Generator, table string) string {
			return fmt.Sprintf("DELETE FROM %s WHERE %s = %s RETURNING *;",
				g.Ident(table), g.Ident("id"), g.Placeholder(0))
		},
	}
}

// MySQLGenerator returns the Generator for the MySQL dialect, shared by the
// MariaDB and PlanetScale drivers.
func MySQLGenerator() *Generator {
	var types = BaseTypeMapper{
		ByBase: map[string]TypeMapper{
			"string":    MaxLengthable{WithLength: "VARCHAR(%d)", WithoutLength: "TEXT", Cap: 255},
			"number":    NumberType{Integer: "INT", Float: "DOUBLE"},
			"boolean":   ConstType("TINYINT(1)"),
			"object":    ConstType("JSON"),
			"json":      ConstType("JSON"),
			"array":     ConstType("JSON"),
			"embedding": ConstType("JSON"),
			"ip4":       ConstType("VARCHAR(15)"),
			"ip6":       ConstType("VARCHAR(45)"),
			"secret":    ConstType("TEXT"),
			"uuid":      ConstType("CHAR(36)"),
			"date":      ConstType("DATETIME"),
			"datetime":  ConstType("DATETIME"),
		},
		Fallback: ConstType("TEXT"),
	}

	return &Generator{
		Dialect:     "mysql",
		Quotes:      Backticks(),
		Placeholder: questionPlaceholder,
		Types:       types,
		IDColumnDDL: "VARCHAR(255) PRIMARY KEY",
		CreatedDDL:  "DATETIME DEFAULT CURRENT_TIMESTAMP",
		UpdatedDDL:  "DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP",
		AutoPKDDL:   "BIGINT AUTO_INCREMENT PRIMARY KEY",
		insertIgnore: func(g *Generator, table string, columns []string) string {
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s = %s;",
				g.Ident(table), g.identList(columns), g.placeholderList(len(columns)),
				g.Ident("id"), g.Ident("id"))
		},
		upsert: func(g *Generator, table string, columns []string) string {
			var sets []string
			for _, col := range columns {
				if col == "id" {
					continue
				}
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", g.Ident(col), g.Ident(col)))
			}
			if len(sets) == 0 {
				sets = append(sets, fmt.Sprintf("%s = %s", g.Ident("id"), g.Ident("id")))
			}
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s;",
				g.Ident(table), g.identList(columns), g.placeholderList(len(columns)),
				strings.Join(sets, ", "))
		},
		deleteByID: func(g *Generator, table string) string {
			return fmt.Sprintf("DELETE FROM %s WHERE %s = %s;",
				g.Ident(table), g.Ident("id"), g.Placeholder(0))
		},
	}
}

// SQLiteGenerator returns the Generator for the SQLite dialect, shared by the
// Turso driver.
func SQLiteGenerator() *Generator {
	var text = ConstType("TEXT")
	var types = BaseTypeMapper{
		ByBase: map[string]TypeMapper{
			"string":    text,
			"number":    NumberType{Integer: "INTEGER", Float: "REAL"},
			"boolean":   ConstType("INTEGER"),
			"object":    text,
			"json":      text,
			"array":     text,
			"embedding": text,
			"ip4":       text,
			"ip6":       text,
			"secret":    text,
			"uuid":      text,
			"date":      text,
			"datetime":  text,
		},
		Fallback: text,
	}

	return &Generator{
		Dialect:     "sqlite",
		Quotes:      DoubleQuotes(),
		Placeholder: questionPlaceholder,
		Types:       types,
		IDColumnDDL: "TEXT PRIMARY KEY",
		CreatedDDL:  "TEXT DEFAULT (datetime('now'))",
		UpdatedDDL:  "TEXT DEFAULT (datetime('now'))",
		AutoPKDDL:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		insertIgnore: func(g *Generator, table string, columns []string) string {
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING;",
				g.Ident(table), g.identList(columns), g.placeholderList(len(columns)), g.Ident("id"))
		},
		upsert: func(g *Generator, table string, columns []string) string {
			var sets []string
			for _, col := range columns {
				if col == "id" {
					continue
				}
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", g.Ident(col), g.Ident(col)))
			}
			if len(sets) == 0 {
				return g.insertIgnore(g, table, columns)
			}
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s;",
				g.Ident(table), g.identList(columns), g.placeholderList(len(columns)),
				g.Ident("id"), strings.Join(sets, ", "))
		},
		deleteByID: func(g *Generator, table string) string {
			return fmt.Sprintf("DELETE FROM %s WHERE %s = %s;",
				g.Ident(table), g.Ident("id"), g.Placeholder(0))
		},
	}
}
