// Package sibling provides the sibling-database replication driver: events are
// forwarded to other resources of the same source database through its own
// Resource API. No external client is involved.
package sibling

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
)

type config struct {
	replicate.CommonConfig

	Resources map[string]interface{} `json:"resources"`
}

// Driver is the sibling replicator.
type Driver struct {
	*replicate.Base

	source replicate.SourceDatabase
	// Destination resources resolved at Initialize, keyed by target name.
	targets     map[string]replicate.Resource
	pluginAttrs map[string][]string
}

// NewReplicator builds a sibling driver instance from raw JSON configuration.
// Function-valued transforms cannot travel through JSON; use New for those.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing sibling configuration: %w", err)
	}
	return New(name, parsed.CommonConfig, parsed.Resources)
}

// New builds a sibling driver from an in-process resources map, which may use
// any of the four route forms including pass-through transform functions.
func New(name string, common replicate.CommonConfig, resources map[string]interface{}) (*Driver, error) {
	var routes, err = replicate.ParseResourceRoutes(resources)
	if err != nil {
		return nil, fmt.Errorf("parsing sibling resources: %w", err)
	}
	return &Driver{
		Base: replicate.NewBase("sibling", name, common, routes),
	}, nil
}

func init() {
	replicate.Register("sibling", NewReplicator)
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks common settings and routing. A route targeting its own
// source resource would replicate onto itself.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(d.routesOf())...)
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	for resource, routes := range d.routesOf() {
		for _, route := range routes {
			if route.Target == resource && route.Transform == nil && len(route.Patch) == 0 {
				problems = append(problems, fmt.Sprintf(
					"resource %q routes to itself without a transform", resource))
			}
		}
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

// Initialize resolves every destination resource against the source database.
// A missing destination is a configuration error, not a connectivity one.
func (d *Driver) Initialize(ctx context.Context, source replicate.SourceDatabase) error {
	if result := d.ValidateConfig(); !result.Valid {
		var err = replicate.ConfigError("initialize", "invalid configuration: %v", result.Errors)
		d.FailInitialize(err)
		return err
	}
	if !d.BeginInitialize() {
		return nil
	}

	d.source = source
	d.targets = make(map[string]replicate.Resource)
	d.pluginAttrs = make(map[string][]string)

	for _, name := range d.Resources() {
		if resource, err := source.Resource(name); err == nil {
			d.pluginAttrs[name] = resource.PluginAttributeNames()
		}
		for _, route := range d.Routes(name) {
			if _, ok := d.targets[route.Target]; ok {
				continue
			}
			var target, err = source.Resource(route.Target)
			if err != nil {
				var cErr = replicate.NewError(replicate.KindConfig, "initialize", err,
					"destination resource %q not found in source database", route.Target)
				d.FailInitialize(cErr)
				return cErr
			}
			d.targets[route.Target] = target
		}
	}

	d.FinishInitialize()
	return nil
}

// Replicate forwards one event to each destination resource.
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

	var target = d.targets[route.Target]
	switch ev.Operation {
	case replicate.OpInsert:
		_, err = target.Insert(ctx, payload)
	case replicate.OpUpdate:
		_, err = target.Update(ctx, ev.ID, payload)
	case replicate.OpDelete:
		err = target.Delete(ctx, ev.ID)
	}
	if err != nil {
		var wErr = replicate.AsError(err, replicate.KindConnectivity, "replicate")
		wErr.Resource = ev.Resource
		d.Log().WithFields(log.Fields{"target": route.Target, "err": err}).Warn("route write failed")
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}
	return replicate.RouteResult{Target: route.Target, Success: true}
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

// TestConnection verifies every destination resource is still resolvable.
func (d *Driver) TestConnection(ctx context.Context) bool {
	if d.source == nil {
		return false
	}
	for target := range d.targets {
		if _, err := d.source.Resource(target); err != nil {
			d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
				"driver": d.DriverName(),
				"error":  err.Error(),
			})
			return false
		}
	}
	return true
}

// Status merges base status with the sibling driver's fields.
func (d *Driver) Status() replicate.Status {
	var targets = make([]string, 0, len(d.targets))
	for name := range d.targets {
		targets = append(targets, name)
	}

	var status = d.BaseStatus(d.source != nil)
	status.Extra = map[string]interface{}{"targets": len(targets)}
	return status
}

// Cleanup drops the source reference. Idempotent.
func (d *Driver) Cleanup(context.Context) error {
	d.source = nil
	d.targets = nil
	d.MarkClosed()
	return nil
}
