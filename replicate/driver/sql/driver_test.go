package sql_test

import (
	"context"
	dbsql "database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/s3db-io/replicator/replicate"
	sqldriver "github.com/s3db-io/replicator/replicate/driver/sql"
	"github.com/s3db-io/replicator/replicate/schema"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

type fanoutSource struct{}

func (fanoutSource) Resource(string) (replicate.Resource, error) {
	return nil, errors.New("not available")
}

// newFanoutDriver builds an initialized driver over a file-backed SQLite
// database with the given routes, plus a second connection for verification.
// Destination tables users_a and users_b are pre-created.
func newFanoutDriver(t *testing.T, routes map[string][]replicate.Route) (*sqldriver.Driver, *dbsql.DB) {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "replica.db")

	check, err := dbsql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { check.Close() })
	for _, ddl := range []string{
		`CREATE TABLE "users_a" ("id" TEXT PRIMARY KEY, "name" TEXT)`,
		`CREATE TABLE "users_b" ("id" TEXT PRIMARY KEY, "name" TEXT)`,
	} {
		_, err = check.Exec(ddl)
		require.NoError(t, err)
	}

	var driver = sqldriver.New(sqldriver.Endpoint{
		Driver:   "sqlite",
		Name:     "fanout",
		Common:   replicate.CommonConfig{LogLevel: replicate.LogLevel{Disabled: true}},
		Routes:   routes,
		LogTable: "replication_log",
		Gen:      sqlgen.SQLiteGenerator(),
		NewIntrospector: func(db *dbsql.DB) schema.Introspector {
			return schema.SQLiteIntrospector{DB: db}
		},
		Open: func(ctx context.Context) (*dbsql.DB, error) {
			var db, err = dbsql.Open("sqlite3", path)
			if err != nil {
				return nil, err
			}
			db.SetMaxOpenConns(1)
			return db, nil
		},
	})
	require.NoError(t, driver.Initialize(context.Background(), fanoutSource{}))
	t.Cleanup(func() { driver.Cleanup(context.Background()) })
	return driver, check
}

func fanoutRoutes() map[string][]replicate.Route {
	return map[string][]replicate.Route{
		"users": {
			{Target: "users_a", Actions: []replicate.Operation{replicate.OpInsert}},
			{Target: "users_b", Actions: []replicate.Operation{replicate.OpInsert}},
		},
	}
}

func TestFanOutWritesOneAuditRow(t *testing.T) {
	var driver, check = newFanoutDriver(t, fanoutRoutes())

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"users_a", "users_b"}, result.Tables)

	// One audit row per event, not per destination.
	var count int
	require.NoError(t, check.QueryRow(`SELECT COUNT(*) FROM "replication_log"`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestFanOutFailureSkipsAuditRow(t *testing.T) {
	var routes = map[string][]replicate.Route{
		"users": {
			{Target: "missing_table", Actions: []replicate.Operation{replicate.OpInsert}},
		},
	}
	var driver, check = newFanoutDriver(t, routes)

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.False(t, result.Success)

	var count int
	require.NoError(t, check.QueryRow(`SELECT COUNT(*) FROM "replication_log"`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestRoutePayloadsAreIndependent(t *testing.T) {
	var routes = fanoutRoutes()
	var observed replicate.Record
	routes["users"][1].Transform = func(r replicate.Record) replicate.Record {
		observed = r
		return r
	}
	var driver, check = newFanoutDriver(t, routes)

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u7",
		Data:      replicate.Record{"name": "grace"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	// The id filled in for the first route must not leak into the record
	// later routes receive.
	require.NotContains(t, observed, "id")

	for _, table := range []string{"users_a", "users_b"} {
		var id string
		require.NoError(t, check.QueryRow(`SELECT "id" FROM "`+table+`"`).Scan(&id))
		require.Equal(t, "u7", id)
	}
}
