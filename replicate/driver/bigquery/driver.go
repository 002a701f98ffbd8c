// Package bigquery provides the BigQuery replication driver. A route writes in
// one of three mutability modes: append-only (every operation becomes an
// insert carrying tracking columns), mutable (UPDATE/DELETE DML with a
// streaming-buffer retry), or immutable (append-only plus a tombstone flag and
// a monotonic per-id version).
package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"

	"github.com/s3db-io/replicator/replicate"
	"github.com/s3db-io/replicator/replicate/schema"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

type config struct {
	replicate.CommonConfig

	ProjectID string `json:"projectId"`
	DatasetID string `json:"datasetId"`
	// Credentials is a service-account key file path. CredentialsJSON carries
	// the key material inline; it wins when both are set.
	Credentials     string          `json:"credentials,omitempty"`
	CredentialsJSON json.RawMessage `json:"credentialsJson,omitempty"`

	// Mutability is the driver-level default; routes may override it.
	Mutability string                 `json:"mutability,omitempty"`
	Resources  map[string]interface{} `json:"resources"`
}

// Driver is the BigQuery replicator.
type Driver struct {
	*replicate.Base

	cfg  *config
	dial func(ctx context.Context) (Client, error)
	// sleep is the streaming-buffer retry delay, substitutable in tests.
	sleep func(time.Duration)

	client      Client
	pluginAttrs map[string][]string

	// Monotonic per-id version counter for immutable tables. Process-local.
	verMu    sync.Mutex
	versions map[string]int64
}

const streamingBufferDelay = 30 * time.Second

// NewReplicator builds a BigQuery driver instance from raw JSON configuration.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing bigquery configuration: %w", err)
	}
	var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
	if err != nil {
		return nil, fmt.Errorf("parsing bigquery resources: %w", err)
	}

	return &Driver{
		Base: replicate.NewBase("bigquery", name, parsed.CommonConfig, routes),
		cfg:  parsed,
		dial: func(ctx context.Context) (Client, error) {
			log.WithFields(log.Fields{
				"project": parsed.ProjectID,
				"dataset": parsed.DatasetID,
			}).Info("creating bigquery client")
			return NewClient(ctx, parsed.ProjectID, parsed.DatasetID, parsed.Credentials, parsed.CredentialsJSON)
		},
		sleep:    time.Sleep,
		versions: make(map[string]int64),
	}, nil
}

func init() {
	replicate.Register("bigquery", NewReplicator)
}

// mutabilityFor resolves a route's mode: route override, driver default, then
// append-only.
func (d *Driver) mutabilityFor(route replicate.Route) string {
	if route.Mutability != "" {
		return route.Mutability
	}
	if d.cfg.Mutability != "" {
		return d.cfg.Mutability
	}
	return sqlgen.MutabilityAppendOnly
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks credentials, routing and mutability modes.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(d.routesOf())...)

	if d.cfg.ProjectID == "" {
		problems = append(problems, "missing 'projectId'")
	}
	if d.cfg.DatasetID == "" {
		problems = append(problems, "missing 'datasetId'")
	}
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	if d.cfg.Mutability != "" && !sqlgen.ValidMutability(d.cfg.Mutability) {
		problems = append(problems, fmt.Sprintf("invalid mutability %q", d.cfg.Mutability))
	}
	for resource, routes := range d.routesOf() {
		for _, route := range routes {
			if route.Mutability != "" && !sqlgen.ValidMutability(route.Mutability) {
				problems = append(problems, fmt.Sprintf(
					"resource %q route %q has invalid mutability %q", resource, route.Target, route.Mutability))
			}
		}
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

// Initialize dials the client, probes the dataset, and runs schema sync.
func (d *Driver) Initialize(ctx context.Context, source replicate.SourceDatabase) error {
	if result := d.ValidateConfig(); !result.Valid {
		var err = replicate.ConfigError("initialize", "invalid configuration: %v", result.Errors)
		d.FailInitialize(err)
		return err
	}
	if !d.BeginInitialize() {
		return nil
	}

	var client, err = d.dial(ctx)
	if err != nil {
		var cErr = d.classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}
	if err = client.ProbeDataset(ctx); err != nil {
		client.Close()
		var cErr = d.classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}
	d.client = client
	d.Emitter().Emit(replicate.EventConnected, map[string]interface{}{"driver": d.DriverName()})

	if d.Common().SchemaSync.Enabled {
		if err = d.syncSchemas(ctx, source); err != nil {
			client.Close()
			d.client = nil
			d.FailInitialize(err)
			return err
		}
	}

	d.pluginAttrs = make(map[string][]string)
	for _, name := range d.Resources() {
		if resource, resErr := source.Resource(name); resErr == nil {
			d.pluginAttrs[name] = resource.PluginAttributeNames()
		}
	}

	d.FinishInitialize()
	return nil
}

// syncSchemas reconciles every routed table's field list under the configured
// strategy. Only additive changes are ever applied: fields are appended, never
// renamed, retyped or dropped.
func (d *Driver) syncSchemas(ctx context.Context, source replicate.SourceDatabase) error {
	var cfg = d.Common().SchemaSync.Normalize()
	var resources = d.Resources()

	for _, name := range resources {
		var resource, err = source.Resource(name)
		if err != nil {
			return replicate.NewError(replicate.KindConfig, "schema_sync", err,
				"resource %q not found in source database", name)
		}
		var attrs = schema.NotationMap(replicate.ReplicableAttributes(resource))

		for _, route := range d.Routes(name) {
			var shape = sqlgen.ShapeTable(route.Target, attrs)
			var fields = sqlgen.BigQueryFields(shape, d.mutabilityFor(route))

			if err = d.syncTable(ctx, route, shape.Name, fields, cfg); err != nil {
				if cfg.OnMismatch == replicate.MismatchError {
					return err
				}
				d.Log().WithFields(log.Fields{"table": shape.Name, "err": err}).
					Warn("schema sync failed for table")
			}
		}
	}

	d.Emitter().Emit(replicate.EventSchemaSyncCompleted, map[string]interface{}{
		"resources": resources,
		"strategy":  string(cfg.Strategy),
	})
	return nil
}

func (d *Driver) syncTable(ctx context.Context, route replicate.Route, table string, fields []sqlgen.BigQueryField, cfg replicate.SyncConfig) error {
	var live, missing, err = d.client.TableFields(ctx, table)
	if err != nil {
		return d.classify("schema_sync", err)
	}

	switch cfg.Strategy {
	case replicate.SyncDropCreate:
		d.Log().WithField("table", table).Warn("drop-create strategy: destination table will be recreated")
		if !missing {
			if err = d.client.DeleteTable(ctx, table); err != nil {
				return d.classify("schema_sync", err)
			}
		}
		if err = d.client.CreateTable(ctx, table, fields, route.TableOptions); err != nil {
			return d.classify("schema_sync", err)
		}
		d.Emitter().Emit(replicate.EventTableRecreated, map[string]interface{}{"table": table})
		return nil

	case replicate.SyncValidateOnly:
		if missing {
			return d.mismatch(cfg, table,
				fmt.Sprintf("table %q does not exist", table),
				fmt.Sprintf("create table %q or enable schemaSync.autoCreateTable with the alter strategy", table))
		}
		if absent := absentFields(fields, live); len(absent) > 0 {
			return d.mismatch(cfg, table,
				fmt.Sprintf("table %q is missing fields: %s", table, strings.Join(names(absent), ", ")),
				fmt.Sprintf("add the missing fields to %q or switch schemaSync.strategy to alter", table))
		}
		return nil

	default: // alter
		if missing {
			if !cfg.AutoCreateTable {
				return d.mismatch(cfg, table,
					fmt.Sprintf("table %q does not exist", table),
					"enable schemaSync.autoCreateTable or create the table manually")
			}
			if err = d.client.CreateTable(ctx, table, fields, route.TableOptions); err != nil {
				return d.classify("schema_sync", err)
			}
			d.Emitter().Emit(replicate.EventTableCreated, map[string]interface{}{"table": table})
			d.Log().WithField("table", table).Info("created destination table")
			return nil
		}

		var absent = absentFields(fields, live)
		if len(absent) == 0 {
			return nil
		}
		if !cfg.AutoCreateColumns {
			return d.mismatch(cfg, table,
				fmt.Sprintf("table %q is missing fields: %s", table, strings.Join(names(absent), ", ")),
				"enable schemaSync.autoCreateColumns or add the fields manually")
		}
		// Appended fields must be nullable: existing rows have no value.
		for i := range absent {
			absent[i].Required = false
		}
		if err = d.client.AddFields(ctx, table, absent); err != nil {
			return d.classify("schema_sync", err)
		}
		d.Emitter().Emit(replicate.EventTableAltered, map[string]interface{}{
			"table":   table,
			"columns": names(absent),
		})
		d.Log().WithFields(log.Fields{"table": table, "fields": names(absent)}).Info("added missing fields")
		return nil
	}
}

func (d *Driver) mismatch(cfg replicate.SyncConfig, table, problem, suggestion string) error {
	switch cfg.OnMismatch {
	case replicate.MismatchIgnore:
		return nil
	case replicate.MismatchWarn:
		d.Log().WithField("table", table).Warn(problem)
		return nil
	default:
		return replicate.SchemaMismatchError("schema_sync", "%s", problem).WithSuggestion(suggestion)
	}
}

func absentFields(expected []sqlgen.BigQueryField, live []string) []sqlgen.BigQueryField {
	var have = make(map[string]struct{}, len(live))
	for _, name := range live {
		have[strings.ToLower(name)] = struct{}{}
	}
	var out []sqlgen.BigQueryField
	for _, f := range expected {
		if _, ok := have[strings.ToLower(f.Name)]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func names(fields []sqlgen.BigQueryField) []string {
	var out = make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// Replicate dispatches one event across the resource's routes, each under its
// own mutability mode.
func (d *Driver) Replicate(ctx context.Context, ev replicate.Event) (*replicate.Result, error) {
	var routes, skip, guardErr = d.Guard(ev.Resource, ev.Operation)
	if guardErr != nil {
		return nil, guardErr
	}
	if skip != nil {
		return skip, nil
	}

	var cleaned = replicate.CleanRecord(ev.Data, d.pluginAttrs[ev.Resource], false)
	var routeResults = make([]replicate.RouteResult, 0, len(routes))
	for _, route := range routes {
		routeResults = append(routeResults, d.writeRoute(ctx, route, ev, cleaned))
	}

	var result = replicate.Collect(routeResults)
	d.EmitReplicated(ev, result)
	return result, nil
}

func (d *Driver) writeRoute(ctx context.Context, route replicate.Route, ev replicate.Event, cleaned replicate.Record) replicate.RouteResult {
	var payload, err = route.Apply(cleaned)
	if err != nil {
		var pErr = replicate.PayloadError("replicate", err)
		pErr.Resource = ev.Resource
		return replicate.RouteResult{Target: route.Target, Error: pErr}
	}
	if payload["id"] == nil && ev.ID != "" {
		payload["id"] = ev.ID
	}

	switch d.mutabilityFor(route) {
	case sqlgen.MutabilityMutable:
		err = d.writeMutable(ctx, route.Target, ev, payload)
	case sqlgen.MutabilityImmutable:
		err = d.writeImmutable(ctx, route.Target, ev, payload)
	default:
		err = d.writeAppendOnly(ctx, route.Target, ev, payload)
	}
	if err != nil {
		var wErr = d.classify("replicate", err)
		wErr.Resource = ev.Resource
		d.logWriteFailure(route.Target, err)
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}
	return replicate.RouteResult{Target: route.Target, Success: true}
}

// writeAppendOnly inserts every operation as a new row tagged with the
// operation type and timestamp. Each row gets a fresh insert id: repeated
// operations on the same record are distinct rows and must not be deduplicated
// on the BigQuery side.
func (d *Driver) writeAppendOnly(ctx context.Context, table string, ev replicate.Event, payload replicate.Record) error {
	var values = insertValues(payload)
	values[sqlgen.ColOperationType] = string(ev.Operation)
	values[sqlgen.ColOperationTimestamp] = time.Now().UTC().Format(time.RFC3339)
	return d.client.InsertRows(ctx, table, []Row{{Values: values, InsertID: uuid.NewString()}})
}

// writeImmutable is append-only plus a tombstone flag and a per-id version.
func (d *Driver) writeImmutable(ctx context.Context, table string, ev replicate.Event, payload replicate.Record) error {
	var values = insertValues(payload)
	values[sqlgen.ColOperationType] = string(ev.Operation)
	values[sqlgen.ColOperationTimestamp] = time.Now().UTC().Format(time.RFC3339)
	values[sqlgen.ColIsDeleted] = ev.Operation == replicate.OpDelete
	values[sqlgen.ColVersion] = d.nextVersion(table, ev.ID)
	return d.client.InsertRows(ctx, table, []Row{{Values: values, InsertID: uuid.NewString()}})
}

func (d *Driver) writeMutable(ctx context.Context, table string, ev replicate.Event, payload replicate.Record) error {
	switch ev.Operation {
	case replicate.OpInsert:
		return d.client.InsertRows(ctx, table, []Row{{Values: insertValues(payload), InsertID: ev.ID}})
	case replicate.OpUpdate:
		var stmt, params = d.updateDML(table, ev.ID, payload)
		return d.runDML(ctx, stmt, params)
	case replicate.OpDelete:
		return d.runDML(ctx,
			fmt.Sprintf("DELETE FROM `%s.%s` WHERE id = @id", d.cfg.DatasetID, table),
			map[string]interface{}{"id": ev.ID})
	}
	return nil
}

func (d *Driver) updateDML(table, id string, payload replicate.Record) (string, map[string]interface{}) {
	var columns = make([]string, 0, len(payload))
	for name := range payload {
		if name != "id" {
			columns = append(columns, name)
		}
	}
	sort.Strings(columns)

	var sets = make([]string, len(columns))
	var params = map[string]interface{}{"id": id}
	for i, name := range columns {
		var param = fmt.Sprintf("p%d", i)
		sets[i] = fmt.Sprintf("`%s` = @%s", name, param)
		params[param] = convertValue(payload[name])
	}

	var stmt = fmt.Sprintf("UPDATE `%s.%s` SET %s WHERE id = @id",
		d.cfg.DatasetID, table, strings.Join(sets, ", "))
	return stmt, params
}

// runDML executes the statement, retrying once after 30 seconds when rows are
// still held in the streaming buffer and cannot be mutated by DML.
func (d *Driver) runDML(ctx context.Context, stmt string, params map[string]interface{}) error {
	var err = d.client.RunDML(ctx, stmt, params)
	if err == nil || !strings.Contains(err.Error(), "streaming buffer") {
		return err
	}

	d.Log().WithField("err", err).Warn("rows in streaming buffer, retrying dml once after delay")
	d.sleep(streamingBufferDelay)
	return d.client.RunDML(ctx, stmt, params)
}

func (d *Driver) nextVersion(table, id string) int64 {
	d.verMu.Lock()
	defer d.verMu.Unlock()
	var key = table + ":" + id
	d.versions[key]++
	return d.versions[key]
}

// insertValues adapts a payload for streaming insert: structured values are
// serialised to JSON text for JSON columns.
func insertValues(payload replicate.Record) map[string]interface{} {
	var out = make(map[string]interface{}, len(payload))
	for name, value := range payload {
		out[name] = convertValue(value)
	}
	return out
}

func convertValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
	}
	return v
}

// logWriteFailure surfaces GCP error detail arrays when present.
func (d *Driver) logWriteFailure(table string, err error) {
	var fields = log.Fields{"table": table, "err": err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		var items = make([]string, 0, len(apiErr.Errors))
		for _, item := range apiErr.Errors {
			items = append(items, fmt.Sprintf("%s: %s", item.Reason, item.Message))
		}
		fields["code"] = apiErr.Code
		fields["errors"] = items
		if apiErr.Body != "" {
			fields["response"] = apiErr.Body
		}
	}
	d.Log().WithFields(fields).Warn("route write failed")
}

// classify maps provider errors onto the shared taxonomy with actionable
// suggestions.
func (d *Driver) classify(op string, err error) *replicate.Error {
	if err == nil {
		return nil
	}
	var msg = err.Error()

	switch {
	case strings.Contains(msg, "streaming buffer"):
		return replicate.TransientError(op, err).
			WithSuggestion("rows are still in the streaming buffer; retry after 30 seconds")
	case strings.Contains(msg, "invalid_grant"):
		return replicate.AuthError(op, err, false,
			"service account credentials are malformed or revoked; reissue the key at https://console.cloud.google.com/iam-admin/serviceaccounts")
	case strings.Contains(msg, "Permission denied") || strings.Contains(msg, "accessDenied"):
		return replicate.AuthError(op, err, false,
			fmt.Sprintf("grant roles/bigquery.dataEditor on dataset %q to the service account", d.cfg.DatasetID))
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return replicate.AuthError(op, err, false,
				fmt.Sprintf("grant roles/bigquery.dataEditor on dataset %q to the service account", d.cfg.DatasetID))
		case apiErr.Code == 404:
			return replicate.ConfigError(op, "dataset or table not found: %s", msg).
				WithSuggestion(fmt.Sprintf("create dataset %q in project %q or fix 'datasetId'", d.cfg.DatasetID, d.cfg.ProjectID))
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return replicate.TransientError(op, err)
		}
	}
	return replicate.ConnectivityError(op, err)
}

// ReplicateBatch dispatches records as inserts through the batch pool.
func (d *Driver) ReplicateBatch(ctx context.Context, resource string, records []replicate.Record) (*replicate.BatchResult, error) {
	if state := d.State(); state != replicate.StateReady {
		return nil, replicate.NotReadyError(d.DriverName(), state)
	}
	return d.RunBatch(ctx, resource, records,
		func(ctx context.Context, record replicate.Record) (*replicate.Result, error) {
			var result, err = d.Replicate(ctx, replicate.Event{
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

// TestConnection probes the dataset. Never errors; failures emit connection_error.
func (d *Driver) TestConnection(ctx context.Context) bool {
	if d.client == nil {
		return false
	}
	if err := d.client.ProbeDataset(ctx); err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// Status merges base status with the BigQuery driver's fields.
func (d *Driver) Status() replicate.Status {
	var status = d.BaseStatus(d.client != nil)
	status.Extra = map[string]interface{}{
		"project":    d.cfg.ProjectID,
		"dataset":    d.cfg.DatasetID,
		"mutability": d.cfg.Mutability,
	}
	return status
}

// Cleanup closes the client. Idempotent.
func (d *Driver) Cleanup(context.Context) error {
	if d.client != nil {
		var err = d.client.Close()
		d.client = nil
		d.MarkClosed()
		return err
	}
	d.MarkClosed()
	return nil
}
