// Package mongodb provides the MongoDB replication driver. Documents are keyed
// by "_id"; duplicate-key failures on insert are treated as already-replicated,
// matching the SQL drivers' insert-ignore semantics.
package mongodb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/s3db-io/replicator/replicate"
)

// Collection is the write surface the driver consumes. *mongo.Collection
// satisfies it; tests substitute a fake.
type Collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type config struct {
	replicate.CommonConfig

	URI      string `json:"uri,omitempty"`
	Database string `json:"database"`
	// LogCollection mirrors the SQL log-table behaviour: one document per
	// event, failures swallowed.
	LogCollection string `json:"logCollection,omitempty"`

	Resources map[string]interface{} `json:"resources"`
}

func (c *config) problems() []string {
	var out []string
	if c.URI == "" {
		out = append(out, "missing 'uri'")
	}
	if c.Database == "" {
		out = append(out, "missing 'database'")
	}
	return out
}

// Driver is the MongoDB replicator.
type Driver struct {
	*replicate.Base

	cfg *config

	client *mongo.Client
	// collection resolves a name to its write surface, substitutable in tests.
	collection  func(name string) Collection
	pluginAttrs map[string][]string
}

// NewReplicator builds a MongoDB driver instance from raw JSON configuration.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing mongodb configuration: %w", err)
	}
	var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
	if err != nil {
		return nil, fmt.Errorf("parsing mongodb resources: %w", err)
	}

	return &Driver{
		Base: replicate.NewBase("mongodb", name, parsed.CommonConfig, routes),
		cfg:  parsed,
	}, nil
}

func init() {
	replicate.Register("mongodb", NewReplicator)
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks connection settings and routing.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(d.routesOf())...)
	problems = append(problems, d.cfg.problems()...)
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

// Initialize connects, pings, and caches plugin attribute names.
func (d *Driver) Initialize(ctx context.Context, source replicate.SourceDatabase) error {
	if result := d.ValidateConfig(); !result.Valid {
		var err = replicate.ConfigError("initialize", "invalid configuration: %v", result.Errors)
		d.FailInitialize(err)
		return err
	}
	if !d.BeginInitialize() {
		return nil
	}

	log.WithField("database", d.cfg.Database).Info("connecting to mongodb")
	var client, err = mongo.Connect(ctx, options.Client().ApplyURI(d.cfg.URI))
	if err != nil {
		var cErr = classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}
	if err = client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		var cErr = classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}
	d.client = client
	if d.collection == nil {
		var db = client.Database(d.cfg.Database)
		d.collection = func(name string) Collection { return db.Collection(name) }
	}
	d.Emitter().Emit(replicate.EventConnected, map[string]interface{}{"driver": d.DriverName()})

	d.pluginAttrs = make(map[string][]string)
	for _, name := range d.Resources() {
		if resource, resErr := source.Resource(name); resErr == nil {
			d.pluginAttrs[name] = resource.PluginAttributeNames()
		}
	}

	d.FinishInitialize()
	return nil
}

// Replicate dispatches one event across the resource's routes.
func (d *Driver) Replicate(ctx context.Context, ev replicate.Event) (*replicate.Result, error) {
	var routes, skip, guardErr = d.Guard(ev.Resource, ev.Operation)
	if guardErr != nil {
		return nil, guardErr
	}
	if skip != nil {
		return skip, nil
	}

	// "_id" is the destination key and survives internal-field cleaning.
	var cleaned = replicate.CleanRecord(ev.Data, d.pluginAttrs[ev.Resource], true)
	var routeResults = make([]replicate.RouteResult, 0, len(routes))
	var written bool
	for _, route := range routes {
		var rr = d.writeRoute(ctx, route, ev, cleaned)
		written = written || rr.Success
		routeResults = append(routeResults, rr)
	}
	// One audit document per event, however wide the fan-out.
	if written {
		d.writeLogDocument(ctx, ev)
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
	if payload["_id"] == nil && ev.ID != "" {
		// Apply can alias the record shared across routes.
		var withID = make(replicate.Record, len(payload)+1)
		for name, value := range payload {
			withID[name] = value
		}
		withID["_id"] = ev.ID
		payload = withID
	}

	var coll = d.collection(route.Target)
	switch ev.Operation {
	case replicate.OpInsert:
		_, err = coll.InsertOne(ctx, bson.M(payload))
		if mongo.IsDuplicateKeyError(err) {
			err = nil
		}
	case replicate.OpUpdate:
		var set = make(bson.M, len(payload))
		for name, value := range payload {
			if name != "_id" {
				set[name] = value
			}
		}
		_, err = coll.UpdateOne(ctx, bson.M{"_id": ev.ID}, bson.M{"$set": set})
	case replicate.OpDelete:
		_, err = coll.DeleteOne(ctx, bson.M{"_id": ev.ID})
	}
	if err != nil {
		var wErr = classify("replicate", err)
		wErr.Resource = ev.Resource
		d.Log().WithFields(log.Fields{"collection": route.Target, "err": err}).Warn("route write failed")
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}

	return replicate.RouteResult{Target: route.Target, Success: true}
}

// writeLogDocument appends the audit document. Failures are swallowed: the
// log collection must never fail the primary write.
func (d *Driver) writeLogDocument(ctx context.Context, ev replicate.Event) {
	if d.cfg.LogCollection == "" {
		return
	}
	var data, err = json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	if _, err = d.collection(d.cfg.LogCollection).InsertOne(ctx, bson.M{
		"resource_name": ev.Resource,
		"operation":     string(ev.Operation),
		"record_id":     ev.ID,
		"data":          string(data),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"source":        replicate.SourceName,
	}); err != nil {
		d.Log().WithFields(log.Fields{"collection": d.cfg.LogCollection, "err": err}).
			Warn("log document write failed")
	}
}

// classify maps MongoDB errors onto the shared taxonomy.
func classify(op string, err error) *replicate.Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*replicate.Error); ok {
		return e
	}

	var msg = err.Error()
	switch {
	case strings.Contains(msg, "AuthenticationFailed") || strings.Contains(msg, "auth error"):
		return replicate.AuthError(op, err, false,
			"MongoDB credentials are invalid; verify the connection URI's user and password")
	case strings.Contains(msg, "not authorized"):
		return replicate.AuthError(op, err, false,
			"grant the readWrite role on the destination database to this user")
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

// TestConnection pings the server. Never errors; failures emit connection_error.
func (d *Driver) TestConnection(ctx context.Context) bool {
	if d.client == nil {
		return false
	}
	if err := d.client.Ping(ctx, nil); err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// Status merges base status with the MongoDB driver's fields.
func (d *Driver) Status() replicate.Status {
	var status = d.BaseStatus(d.client != nil)
	status.Extra = map[string]interface{}{"database": d.cfg.Database}
	if d.cfg.LogCollection != "" {
		status.Extra["logCollection"] = d.cfg.LogCollection
	}
	return status
}

// Cleanup disconnects the client. Idempotent.
func (d *Driver) Cleanup(ctx context.Context) error {
	if d.client != nil {
		var err = d.client.Disconnect(ctx)
		d.client = nil
		d.MarkClosed()
		return err
	}
	d.MarkClosed()
	return nil
}
