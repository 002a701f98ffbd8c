// Package sql implements the replicator contract shared by the relational
// sinks. Dialect packages (postgres, mysql, sqlite) supply an Endpoint with
// their generator, introspector and connection opener.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
	"github.com/s3db-io/replicator/replicate/schema"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

// Endpoint is the dialect-specific surface a SQL driver plugs into the shared
// replicator implementation.
type Endpoint struct {
	Driver string
	Name   string

	Common   replicate.CommonConfig
	Routes   map[string][]replicate.Route
	LogTable string

	Gen             *sqlgen.Generator
	NewIntrospector func(db *sql.DB) schema.Introspector

	// Open dials the database. Called once per Initialize.
	Open func(ctx context.Context) (*sql.DB, error)
	// Validate collects dialect-specific config problems.
	Validate func() []string
	// Classify maps dialect errors onto the shared taxonomy. Optional; nil
	// falls back to a connectivity error.
	Classify func(op string, err error) *replicate.Error
}

func (ep Endpoint) classify(op string, err error) *replicate.Error {
	if ep.Classify != nil {
		return ep.Classify(op, err)
	}
	return replicate.AsError(err, replicate.KindConnectivity, op)
}

// Driver is the shared SQL replicator.
type Driver struct {
	*replicate.Base

	ep Endpoint
	db *sql.DB

	// Per-resource plugin attribute names, cached at Initialize.
	pluginAttrs map[string][]string
	logTableOK  bool
}

// New builds a Driver over the given endpoint. No connection is made until
// Initialize.
func New(ep Endpoint) *Driver {
	return &Driver{
		Base: replicate.NewBase(ep.Driver, ep.Name, ep.Common, ep.Routes),
		ep:   ep,
	}
}

// ValidateConfig collects common, routing and dialect-specific violations.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(routesOf(d))...)
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	if d.ep.Validate != nil {
		problems = append(problems, d.ep.Validate()...)
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

func routesOf(d *Driver) map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// Initialize validates, opens and probes the connection, prepares the log
// table, and runs schema sync when enabled.
func (d *Driver) Initialize(ctx context.Context, source replicate.SourceDatabase) error {
	if result := d.ValidateConfig(); !result.Valid {
		var err = replicate.ConfigError("initialize", "invalid configuration: %v", result.Errors)
		d.FailInitialize(err)
		return err
	}
	if !d.BeginInitialize() {
		return nil
	}

	var db, err = d.ep.Open(ctx)
	if err != nil {
		var cErr = d.ep.classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}

	// Lightest possible read as connectivity probe.
	if err = probe(ctx, db); err != nil {
		db.Close()
		var cErr = d.ep.classify("initialize", err)
		if cErr.Suggestion == "" {
			cErr = cErr.WithSuggestion("verify connection settings and that the database accepts connections")
		}
		d.FailInitialize(cErr)
		return cErr
	}
	d.db = db
	d.Emitter().Emit(replicate.EventConnected, map[string]interface{}{"driver": d.DriverName()})

	if d.ep.LogTable != "" {
		d.prepareLogTable(ctx)
	}

	if d.Common().SchemaSync.Enabled {
		var syncer = &schema.Syncer{
			Config:     d.Common().SchemaSync,
			Gen:        d.ep.Gen,
			Introspect: d.ep.NewIntrospector(db),
			Exec:       db,
			Emitter:    d.Emitter(),
			Log:        d.Log(),
		}
		if err = syncer.SyncAll(ctx, source, routesOf(d)); err != nil {
			db.Close()
			d.db = nil
			d.FailInitialize(err)
			return err
		}
	}

	d.cachePluginAttrs(source)
	d.FinishInitialize()
	return nil
}

func probe(ctx context.Context, db *sql.DB) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("connectivity probe: %w", err)
	}
	return nil
}

// prepareLogTable creates the audit table. A failure disables audit writes
// but never fails initialization.
func (d *Driver) prepareLogTable(ctx context.Context) {
	for _, stmt := range d.ep.Gen.LogTableDDL(d.ep.LogTable) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			d.Log().WithFields(log.Fields{"table": d.ep.LogTable, "err": err}).
				Warn("log table unavailable, audit rows disabled")
			return
		}
	}
	d.logTableOK = true
}

func (d *Driver) cachePluginAttrs(source replicate.SourceDatabase) {
	d.pluginAttrs = make(map[string][]string)
	for _, name := range d.Resources() {
		if resource, err := source.Resource(name); err == nil {
			d.pluginAttrs[name] = resource.PluginAttributeNames()
		}
	}
}

// Replicate dispatches one event across the resource's routes. Route failures
// are independent: a failure on one route does not cancel the rest.
func (d *Driver) Replicate(ctx context.Context, ev Event) (*replicate.Result, error) {
	var routes, skip, guardErr = d.Guard(ev.Resource, ev.Operation)
	if guardErr != nil {
		return nil, guardErr
	}
	if skip != nil {
		return skip, nil
	}

	var cleaned = replicate.CleanRecord(ev.Data, d.pluginAttrs[ev.Resource], false)
	var routeResults = make([]replicate.RouteResult, 0, len(routes))

	var written bool
	for _, route := range routes {
		var rr = d.writeRoute(ctx, route, ev, cleaned)
		written = written || rr.Success
		routeResults = append(routeResults, rr)
	}
	// One audit row per event, however wide the fan-out.
	if written {
		d.writeLogRow(ctx, ev)
	}

	var result = replicate.Collect(routeResults)
	d.EmitReplicated(ev, result)
	return result, nil
}

// Event aliases the package-level tuple for the driver surface.
type Event = replicate.Event

func (d *Driver) writeRoute(ctx context.Context, route replicate.Route, ev Event, cleaned replicate.Record) replicate.RouteResult {
	var payload, err = route.Apply(cleaned)
	if err != nil {
		var pErr = replicate.PayloadError("replicate", err)
		pErr.Resource = ev.Resource
		return replicate.RouteResult{Target: route.Target, Error: pErr}
	}
	if payload["id"] == nil && ev.ID != "" {
		// Apply can alias the record shared across routes.
		var withID = make(replicate.Record, len(payload)+1)
		for name, value := range payload {
			withID[name] = value
		}
		withID["id"] = ev.ID
		payload = withID
	}

	switch ev.Operation {
	case replicate.OpInsert:
		err = d.execRow(ctx, d.ep.Gen.InsertIgnore, route.Target, payload)
	case replicate.OpUpdate:
		err = d.execRow(ctx, d.ep.Gen.Upsert, route.Target, payload)
	case replicate.OpDelete:
		_, err = d.db.ExecContext(ctx, d.ep.Gen.DeleteByID(route.Target), ev.ID)
		if err != nil {
			err = fmt.Errorf("deleting %s from %q: %w", ev.ID, route.Target, err)
		}
	}
	if err != nil {
		var wErr = d.ep.classify("replicate", err)
		wErr.Resource = ev.Resource
		d.Log().WithFields(log.Fields{"table": route.Target, "err": err}).Warn("route write failed")
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}

	return replicate.RouteResult{Target: route.Target, Success: true}
}

func (d *Driver) execRow(ctx context.Context, stmt func(string, []string) string, table string, payload replicate.Record) error {
	var columns = sqlgen.ColumnNames(payload)
	var args = make([]interface{}, len(columns))
	for i, col := range columns {
		var converted, err = convertValue(payload[col])
		if err != nil {
			return fmt.Errorf("column %q: %w", col, err)
		}
		args[i] = converted
	}
	if _, err := d.db.ExecContext(ctx, stmt(table, columns), args...); err != nil {
		return fmt.Errorf("writing to %q: %w", table, err)
	}
	return nil
}

// convertValue adapts payload values for database/sql: structured values are
// serialised to JSON text, scalars pass through.
func convertValue(v interface{}) (interface{}, error) {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		var raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("serialising value: %w", err)
		}
		return string(raw), nil
	default:
		return v, nil
	}
}

// writeLogRow appends the audit row. Failures are swallowed: the log table
// must never fail the primary write.
func (d *Driver) writeLogRow(ctx context.Context, ev Event) {
	if !d.logTableOK {
		return
	}
	var data, err = json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	if _, err = d.db.ExecContext(ctx, d.ep.Gen.LogInsert(d.ep.LogTable),
		ev.Resource, string(ev.Operation), ev.ID, string(data), replicate.SourceName,
	); err != nil {
		d.Log().WithFields(log.Fields{"table": d.ep.LogTable, "err": err}).Warn("log row write failed")
	}
}

// ReplicateBatch dispatches records as inserts through the batch pool.
func (d *Driver) ReplicateBatch(ctx context.Context, resource string, records []replicate.Record) (*replicate.BatchResult, error) {
	if state := d.State(); state != replicate.StateReady {
		return nil, replicate.NotReadyError(d.DriverName(), state)
	}
	return d.RunBatch(ctx, resource, records,
		func(ctx context.Context, record replicate.Record) (*replicate.Result, error) {
			var result, err = d.Replicate(ctx, Event{
				Resource:  resource,
				Operation: replicate.OpInsert,
				Data:      record,
				ID:        replicate.RecordID(record),
			})
			if err != nil {
				return nil, err
			}
			if !result.Success && len(result.Errors) > 0 {
				return nil, result.Errors[0]
			}
			return result, nil
		},
		func(err error, record replicate.Record) error {
			return fmt.Errorf("record %s: %w", replicate.RecordID(record), err)
		},
	), nil
}

// TestConnection runs the probe. Never errors; failures emit connection_error.
func (d *Driver) TestConnection(ctx context.Context) bool {
	if d.db == nil {
		return false
	}
	if err := probe(ctx, d.db); err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// Status merges base status with the SQL driver's fields.
func (d *Driver) Status() replicate.Status {
	var status = d.BaseStatus(d.db != nil)
	status.Extra = map[string]interface{}{
		"dialect": d.ep.Gen.Dialect,
	}
	if d.ep.LogTable != "" {
		status.Extra["logTable"] = d.ep.LogTable
		status.Extra["logTableReady"] = d.logTableOK
	}
	return status
}

// Cleanup closes the connection pool. Idempotent.
func (d *Driver) Cleanup(context.Context) error {
	if d.db != nil {
		var err = d.db.Close()
		d.db = nil
		d.MarkClosed()
		return err
	}
	d.MarkClosed()
	return nil
}
