// Package postgres provides the PostgreSQL replication driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
	sqlDriver "github.com/s3db-io/replicator/replicate/driver/sql"
	"github.com/s3db-io/replicator/replicate/schema"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

type config struct {
	replicate.CommonConfig

	// ConnectionString wins over the discrete fields when set.
	ConnectionString string `json:"connectionString,omitempty"`
	Host             string `json:"host,omitempty"`
	Port             uint16 `json:"port,omitempty"`
	User             string `json:"user,omitempty"`
	Password         string `json:"password,omitempty"`
	Database         string `json:"database,omitempty"`
	SSLMode          string `json:"sslmode,omitempty"`

	LogTable  string                 `json:"logTable,omitempty"`
	Resources map[string]interface{} `json:"resources"`
}

func (c *config) problems() []string {
	if c.ConnectionString != "" {
		return nil
	}
	var out []string
	for _, req := range [][2]string{
		{"host", c.Host},
		{"user", c.User},
		{"database", c.Database},
	} {
		if req[1] == "" {
			out = append(out, fmt.Sprintf("missing '%s' (or provide 'connectionString')", req[0]))
		}
	}
	return out
}

// toURI converts the config to a DSN string.
func (c *config) toURI() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	var host = c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, c.Port)
	}
	var uri = url.URL{
		Scheme: "postgres",
		Host:   host,
		User:   url.UserPassword(c.User, c.Password),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		uri.RawQuery = "sslmode=" + c.SSLMode
	}
	return uri.String()
}

// NewReplicator builds a postgres driver instance from raw JSON configuration.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing postgres configuration: %w", err)
	}
	var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres resources: %w", err)
	}

	return sqlDriver.New(sqlDriver.Endpoint{
		Driver:   "postgres",
		Name:     name,
		Common:   parsed.CommonConfig,
		Routes:   routes,
		LogTable: parsed.LogTable,
		Gen:      sqlgen.PostgresGenerator(),
		NewIntrospector: func(db *sql.DB) schema.Introspector {
			return schema.PostgresIntrospector{DB: db}
		},
		Validate: parsed.problems,
		Classify: classify,
		Open: func(ctx context.Context) (*sql.DB, error) {
			log.WithFields(log.Fields{
				"database": parsed.Database,
				"host":     parsed.Host,
				"port":     parsed.Port,
				"user":     parsed.User,
			}).Info("opening postgres database")

			var db, err = sql.Open("pgx", parsed.toURI())
			if err != nil {
				return nil, errors.Wrap(err, "opening postgres database")
			}
			return db, nil
		},
	}), nil
}

// classify maps server error codes onto the shared taxonomy.
func classify(op string, err error) *replicate.Error {
	if err == nil {
		return nil
	}
	if e, ok := errors.Cause(err).(*replicate.Error); ok {
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "28000" || pgErr.Code == "28P01":
			return replicate.AuthError(op, err, false,
				"postgres rejected the credentials; verify user and password")
		case pgErr.Code == "3D000":
			return replicate.ConfigError(op, "database does not exist: %s", pgErr.Message).
				WithSuggestion("create the database or fix 'database'")
		case pgErr.Code == "42P01":
			return replicate.SchemaMismatchError(op, "relation does not exist: %s", pgErr.Message).
				WithSuggestion("enable schemaSync.autoCreateTable or create the table manually")
		case strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "53300" || pgErr.Code == "57P03":
			return replicate.TransientError(op, err)
		}
	}
	return replicate.ConnectivityError(op, err)
}

func init() {
	replicate.Register("postgres", NewReplicator)
}
