// Package dynamodb provides the DynamoDB replication driver. Items are keyed
// by the route's primary key (default "id") and an optional sort key taken
// from the payload.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
)

// API is the DynamoDB surface the driver consumes. *dynamodb.Client satisfies
// it; tests substitute a fake.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, opts ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

type config struct {
	replicate.CommonConfig

	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
	// Endpoint overrides the service endpoint, for local stacks.
	Endpoint string `json:"endpoint,omitempty"`

	Resources map[string]interface{} `json:"resources"`
}

func (c *config) problems() []string {
	if c.Region == "" {
		return []string{"missing 'region'"}
	}
	return nil
}

// Driver is the DynamoDB replicator.
type Driver struct {
	*replicate.Base

	cfg  *config
	dial func(ctx context.Context) (API, error)

	client      API
	pluginAttrs map[string][]string
}

// NewReplicator builds a DynamoDB driver instance from raw JSON configuration.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing dynamodb configuration: %w", err)
	}
	var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
	if err != nil {
		return nil, fmt.Errorf("parsing dynamodb resources: %w", err)
	}

	return &Driver{
		Base: replicate.NewBase("dynamodb", name, parsed.CommonConfig, routes),
		cfg:  parsed,
		dial: func(ctx context.Context) (API, error) { return dial(ctx, parsed) },
	}, nil
}

func init() {
	replicate.Register("dynamodb", NewReplicator)
}

func dial(ctx context.Context, cfg *config) (API, error) {
	var opts = []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKeyID,
					SecretAccessKey: cfg.SecretAccessKey,
					SessionToken:    cfg.SessionToken,
				}, nil
			})))
	}

	var awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws configuration: %w", err)
	}

	log.WithField("region", cfg.Region).Info("creating dynamodb client")
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks region, routing and key schemas.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(d.routesOf())...)
	problems = append(problems, d.cfg.problems()...)
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

// Initialize dials the client and probes with the lightest possible call.
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
		var cErr = classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}
	if _, err = client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		var cErr = classify("initialize", err)
		d.FailInitialize(cErr)
		return cErr
	}
	d.client = client
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
	if payload[route.PrimaryKey] == nil && ev.ID != "" {
		payload[route.PrimaryKey] = ev.ID
	}

	switch ev.Operation {
	case replicate.OpInsert:
		err = d.putItem(ctx, route, payload)
	case replicate.OpUpdate:
		err = d.updateItem(ctx, route, ev.ID, payload)
	case replicate.OpDelete:
		err = d.deleteItem(ctx, route, ev.ID, payload)
	}
	if err != nil {
		var wErr = classify("replicate", err)
		wErr.Resource = ev.Resource
		d.Log().WithFields(log.Fields{"table": route.Target, "err": err}).Warn("route write failed")
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}
	return replicate.RouteResult{Target: route.Target, Success: true}
}

func (d *Driver) putItem(ctx context.Context, route replicate.Route, payload replicate.Record) error {
	var item, err = attributevalue.MarshalMap(payload)
	if err != nil {
		return replicate.PayloadError("replicate", fmt.Errorf("marshalling item: %w", err))
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(route.Target),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting item into %q: %w", route.Target, err)
	}
	return nil
}

// updateItem sets every non-key field through expression attribute
// names/values, leaving unknown destination fields untouched.
func (d *Driver) updateItem(ctx context.Context, route replicate.Route, id string, payload replicate.Record) error {
	var key, err = d.itemKey(route, id, payload)
	if err != nil {
		return err
	}

	var fields = make([]string, 0, len(payload))
	for name := range payload {
		if name == route.PrimaryKey || (route.SortKey != "" && name == route.SortKey) {
			continue
		}
		fields = append(fields, name)
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)

	var sets = make([]string, len(fields))
	var exprNames = make(map[string]string, len(fields))
	var exprValues = make(map[string]types.AttributeValue, len(fields))
	for i, name := range fields {
		var av types.AttributeValue
		if av, err = attributevalue.Marshal(payload[name]); err != nil {
			return replicate.PayloadError("replicate", fmt.Errorf("marshalling field %q: %w", name, err))
		}
		var ref = fmt.Sprintf("#f%d", i)
		var val = fmt.Sprintf(":v%d", i)
		sets[i] = fmt.Sprintf("%s = %s", ref, val)
		exprNames[ref] = name
		exprValues[val] = av
	}

	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(route.Target),
		Key:                       key,
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		return fmt.Errorf("updating item in %q: %w", route.Target, err)
	}
	return nil
}

func (d *Driver) deleteItem(ctx context.Context, route replicate.Route, id string, payload replicate.Record) error {
	var key, err = d.itemKey(route, id, payload)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(route.Target),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("deleting item from %q: %w", route.Target, err)
	}
	return nil
}

// itemKey builds the primary plus optional sort key. The sort key value must
// be present in the payload; there is nowhere else to recover it from.
func (d *Driver) itemKey(route replicate.Route, id string, payload replicate.Record) (map[string]types.AttributeValue, error) {
	var key = map[string]types.AttributeValue{
		route.PrimaryKey: &types.AttributeValueMemberS{Value: id},
	}
	if route.SortKey != "" {
		var value, ok = payload[route.SortKey]
		if !ok {
			return nil, replicate.PayloadError("replicate",
				fmt.Errorf("payload is missing sort key %q", route.SortKey))
		}
		av, err := attributevalue.Marshal(value)
		if err != nil {
			return nil, replicate.PayloadError("replicate",
				fmt.Errorf("marshalling sort key %q: %w", route.SortKey, err))
		}
		key[route.SortKey] = av
	}
	return key, nil
}

// classify maps AWS errors onto the shared taxonomy.
func classify(op string, err error) *replicate.Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*replicate.Error); ok {
		return e
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return replicate.ConfigError(op, "table not found: %s", err).
			WithSuggestion("create the destination table or fix the route target")
	}

	var msg = err.Error()
	switch {
	case strings.Contains(msg, "ExpiredToken"):
		return replicate.AuthError(op, err, true,
			"AWS session token has expired; refresh the credentials")
	case strings.Contains(msg, "UnrecognizedClientException") || strings.Contains(msg, "InvalidSignatureException"):
		return replicate.AuthError(op, err, false,
			"AWS credentials are invalid; verify accessKeyId and secretAccessKey")
	case strings.Contains(msg, "ProvisionedThroughputExceeded") || strings.Contains(msg, "ThrottlingException"):
		return replicate.TransientError(op, err).
			WithSuggestion("raise the table's provisioned throughput or retry with backoff")
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

// TestConnection lists one table as probe. Never errors; failures emit
// connection_error.
func (d *Driver) TestConnection(ctx context.Context) bool {
	if d.client == nil {
		return false
	}
	if _, err := d.client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// Status merges base status with the DynamoDB driver's fields.
func (d *Driver) Status() replicate.Status {
	var status = d.BaseStatus(d.client != nil)
	status.Extra = map[string]interface{}{"region": d.cfg.Region}
	return status
}

// Cleanup releases the client. The SDK client holds no closable resources.
func (d *Driver) Cleanup(context.Context) error {
	d.client = nil
	d.MarkClosed()
	return nil
}
