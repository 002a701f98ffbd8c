// Package schema aligns destination DDL with source-resource attributes at
// driver initialization, under a configured strategy and mismatch policy.
package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// ColumnInfo describes one live destination column.
type ColumnInfo struct {
	Type      string
	Nullable  bool
	MaxLength int
}

// An Introspector reads the live schema of one destination table. A nil map
// with a nil error means the table does not exist, which is distinguished from
// an existing table with no columns.
type Introspector interface {
	TableSchema(ctx context.Context, table string) (map[string]ColumnInfo, error)
}

// An Execer runs DDL statements. *sql.DB satisfies it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// A Queryer runs metadata queries. *sql.DB satisfies it.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// PostgresIntrospector reads information_schema.columns.
type PostgresIntrospector struct {
	DB Queryer
}

func (i PostgresIntrospector) TableSchema(ctx context.Context, table string) (map[string]ColumnInfo, error) {
	var rows, err = i.DB.QueryContext(ctx,
		`SELECT column_name, data_type, is_nullable, COALESCE(character_maximum_length, 0)
			FROM information_schema.columns WHERE table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("querying information_schema.columns: %w", err)
	}
	defer rows.Close()

	return scanInformationSchema(rows)
}

// MySQLIntrospector reads INFORMATION_SCHEMA.COLUMNS for the current database.
// PlanetScale shares it.
type MySQLIntrospector struct {
	DB Queryer
}

func (i MySQLIntrospector) TableSchema(ctx context.Context, table string) (map[string]ColumnInfo, error) {
	var rows, err = i.DB.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COALESCE(CHARACTER_MAXIMUM_LENGTH, 0)
			FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_NAME = ? AND TABLE_SCHEMA = DATABASE()`, table)
	if err != nil {
		return nil, fmt.Errorf("querying INFORMATION_SCHEMA.COLUMNS: %w", err)
	}
	defer rows.Close()

	return scanInformationSchema(rows)
}

func scanInformationSchema(rows *sql.Rows) (map[string]ColumnInfo, error) {
	var out map[string]ColumnInfo
	for rows.Next() {
		var name, dataType, nullable string
		var maxLength int
		if err := rows.Scan(&name, &dataType, &nullable, &maxLength); err != nil {
			return nil, fmt.Errorf("scanning column metadata: %w", err)
		}
		if out == nil {
			out = make(map[string]ColumnInfo)
		}
		out[name] = ColumnInfo{
			Type:      dataType,
			Nullable:  nullable == "YES",
			MaxLength: maxLength,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading column metadata: %w", err)
	}
	// No rows means no such table.
	return out, nil
}

// SQLiteIntrospector checks sqlite_master and reads PRAGMA table_info.
// Turso shares it.
type SQLiteIntrospector struct {
	DB Queryer
}

func (i SQLiteIntrospector) TableSchema(ctx context.Context, table string) (map[string]ColumnInfo, error) {
	var rows, err = i.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite_master: %w", err)
	}
	var exists bool
	for rows.Next() {
		exists = true
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("reading sqlite_master: %w", err)
	}
	rows.Close()
	if !exists {
		return nil, nil
	}

	// PRAGMA does not accept bound parameters; the table name came from
	// routing config, which is operator-controlled.
	rows, err = i.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("reading table_info: %w", err)
	}
	defer rows.Close()

	var out = make(map[string]ColumnInfo)
	for rows.Next() {
		var (
			cid       int
			name      string
			dataType  string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning table_info: %w", err)
		}
		out[name] = ColumnInfo{Type: dataType, Nullable: notNull == 0}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading table_info: %w", err)
	}
	return out, nil
}
