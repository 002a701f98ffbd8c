// Package sqlite provides the SQLite replication driver. Turso shares the
// dialect and is registered as an alias accepting a URL DSN.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
	sqlDriver "github.com/s3db-io/replicator/replicate/driver/sql"
	"github.com/s3db-io/replicator/replicate/schema"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

type config struct {
	replicate.CommonConfig

	// Path is the database file, or ":memory:". Turso configs may pass a URL
	// here instead.
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`

	LogTable  string                 `json:"logTable,omitempty"`
	Resources map[string]interface{} `json:"resources"`
}

func (c *config) dsn() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Path
}

func (c *config) problems() []string {
	if c.Path == "" && c.URL == "" {
		return []string{"missing 'path' (or 'url')"}
	}
	return nil
}

func newReplicator(driver string) replicate.Constructor {
	return func(name string, raw json.RawMessage) (replicate.Replicator, error) {
		var parsed = new(config)
		if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
			return nil, fmt.Errorf("parsing %s configuration: %w", driver, err)
		}
		var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
		if err != nil {
			return nil, fmt.Errorf("parsing %s resources: %w", driver, err)
		}

		return sqlDriver.New(sqlDriver.Endpoint{
			Driver:   driver,
			Name:     name,
			Common:   parsed.CommonConfig,
			Routes:   routes,
			LogTable: parsed.LogTable,
			Gen:      sqlgen.SQLiteGenerator(),
			NewIntrospector: func(db *sql.DB) schema.Introspector {
				return schema.SQLiteIntrospector{DB: db}
			},
			Validate: parsed.problems,
			Open: func(ctx context.Context) (*sql.DB, error) {
				log.WithField("path", parsed.dsn()).Info("opening sqlite database")

				var db, err = sql.Open("sqlite3", parsed.dsn())
				if err != nil {
					return nil, fmt.Errorf("opening sqlite database: %w", err)
				}
				// SQLite is single-writer; a larger pool only contends.
				db.SetMaxOpenConns(1)
				return db, nil
			},
		}), nil
	}
}

func init() {
	replicate.Register("sqlite", newReplicator("sqlite"))
	replicate.Register("turso", newReplicator("turso"))
}
