// Package mysql provides the MySQL/MariaDB replication driver, and the
// PlanetScale variant which shares the dialect but mandates TLS.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	my "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
	sqlDriver "github.com/s3db-io/replicator/replicate/driver/sql"
	"github.com/s3db-io/replicator/replicate/schema"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

type config struct {
	replicate.CommonConfig

	Host     string `json:"host,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
	// TLS names a go-sql-driver TLS config: "true", "skip-verify", or empty.
	// PlanetScale forces "true".
	TLS string `json:"tls,omitempty"`

	LogTable  string                 `json:"logTable,omitempty"`
	Resources map[string]interface{} `json:"resources"`
}

func (c *config) problems() []string {
	var out []string
	for _, req := range [][2]string{
		{"host", c.Host},
		{"user", c.User},
		{"database", c.Database},
	} {
		if req[1] == "" {
			out = append(out, fmt.Sprintf("missing '%s'", req[0]))
		}
	}
	return out
}

func (c *config) dsn() string {
	var mc = my.NewConfig()
	mc.Net = "tcp"
	mc.Addr = c.Host
	if c.Port != 0 {
		mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	if c.TLS != "" {
		mc.TLSConfig = c.TLS
	}
	return mc.FormatDSN()
}

func newReplicator(driver string, forceTLS bool) replicate.Constructor {
	return func(name string, raw json.RawMessage) (replicate.Replicator, error) {
		var parsed = new(config)
		if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
			return nil, fmt.Errorf("parsing %s configuration: %w", driver, err)
		}
		if forceTLS && parsed.TLS == "" {
			parsed.TLS = "true"
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
			Gen:      sqlgen.MySQLGenerator(),
			NewIntrospector: func(db *sql.DB) schema.Introspector {
				return schema.MySQLIntrospector{DB: db}
			},
			Validate: parsed.problems,
			Classify: classify,
			Open: func(ctx context.Context) (*sql.DB, error) {
				log.WithFields(log.Fields{
					"database": parsed.Database,
					"host":     parsed.Host,
					"user":     parsed.User,
					"tls":      parsed.TLS,
				}).Info("opening mysql database")

				var db, err = sql.Open("mysql", parsed.dsn())
				if err != nil {
					return nil, errors.Wrap(err, "opening mysql database")
				}
				// Pooled connections are acquired per statement and released
				// on every exit path by database/sql.
				db.SetConnMaxLifetime(3 * time.Minute)
				db.SetMaxOpenConns(10)
				return db, nil
			},
		}), nil
	}
}

// classify maps server error numbers onto the shared taxonomy.
func classify(op string, err error) *replicate.Error {
	if err == nil {
		return nil
	}
	if e, ok := errors.Cause(err).(*replicate.Error); ok {
		return e
	}

	var myErr *my.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045:
			return replicate.AuthError(op, err, false,
				"mysql rejected the credentials; verify user, password and grants")
		case 1049:
			return replicate.ConfigError(op, "database does not exist: %s", myErr.Message).
				WithSuggestion("create the database or fix 'database'")
		case 1146:
			return replicate.SchemaMismatchError(op, "table does not exist: %s", myErr.Message).
				WithSuggestion("enable schemaSync.autoCreateTable or create the table manually")
		case 1205, 1213:
			// Lock wait timeout and deadlock resolve on retry.
			return replicate.TransientError(op, err)
		}
	}
	return replicate.ConnectivityError(op, err)
}

func init() {
	replicate.Register("mysql", newReplicator("mysql", false))
	replicate.Register("mariadb", newReplicator("mariadb", false))
	replicate.Register("planetscale", newReplicator("planetscale", true))
}
