// Package sqs provides the SQS replication driver. Events are published as the
// canonical JSON envelope; batch calls use SendMessageBatch in groups of ten.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
)

// API is the SQS surface the driver consumes. *sqs.Client satisfies it; tests
// substitute a fake.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, opts ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, opts ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

// maxBatchEntries is the SendMessageBatch hard limit.
const maxBatchEntries = 10

type config struct {
	replicate.CommonConfig

	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`

	// Queue resolution, highest precedence first: ResourceQueueMap (fan-out),
	// Queues (one queue per resource), QueueURL, DefaultQueue.
	ResourceQueueMap map[string][]string `json:"resourceQueueMap,omitempty"`
	Queues           map[string]string   `json:"queues,omitempty"`
	QueueURL         string              `json:"queueUrl,omitempty"`
	DefaultQueue     string              `json:"defaultQueue,omitempty"`

	// DeduplicationID sets MessageDeduplicationId = resource:operation:id.
	// MessageGroupID is passed through; FIFO queues require it.
	DeduplicationID bool   `json:"deduplicationId,omitempty"`
	MessageGroupID  string `json:"messageGroupId,omitempty"`

	Resources map[string]interface{} `json:"resources,omitempty"`
}

func (c *config) problems() []string {
	var out []string
	if c.Region == "" {
		out = append(out, "missing 'region'")
	}
	if len(c.ResourceQueueMap) == 0 && len(c.Queues) == 0 && c.QueueURL == "" &&
		c.DefaultQueue == "" && len(c.Resources) == 0 {
		out = append(out, "no queue configuration: set 'resources', 'resourceQueueMap', 'queues', 'queueUrl' or 'defaultQueue'")
	}
	for queue := range c.ResourceQueueMap {
		if len(c.ResourceQueueMap[queue]) == 0 {
			out = append(out, fmt.Sprintf("resourceQueueMap entry %q lists no queues", queue))
		}
	}
	return out
}

// buildRoutes normalises the queue configuration into the shared routing
// model. Resources parsed from the four route forms keep their own actions;
// queue-map entries accept every operation, a message stream carries all
// changes.
func buildRoutes(cfg *config) (map[string][]replicate.Route, error) {
	var routes, err = replicate.ParseResourceRoutes(cfg.Resources)
	if err != nil {
		return nil, err
	}

	var allOps = []replicate.Operation{replicate.OpInsert, replicate.OpUpdate, replicate.OpDelete}
	for resource, queues := range cfg.ResourceQueueMap {
		if len(routes[resource]) > 0 {
			continue
		}
		for _, queue := range queues {
			routes[resource] = append(routes[resource], replicate.Route{
				Target: queue, Actions: allOps, PrimaryKey: "id",
			})
		}
	}
	for resource, queue := range cfg.Queues {
		if len(routes[resource]) > 0 {
			continue
		}
		routes[resource] = append(routes[resource], replicate.Route{
			Target: queue, Actions: allOps, PrimaryKey: "id",
		})
	}
	return routes, nil
}

// Driver is the SQS replicator.
type Driver struct {
	*replicate.Base

	cfg  *config
	dial func(ctx context.Context) (API, error)

	client      API
	pluginAttrs map[string][]string
}

// NewReplicator builds an SQS driver instance from raw JSON configuration.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing sqs configuration: %w", err)
	}
	var routes, err = buildRoutes(parsed)
	if err != nil {
		return nil, fmt.Errorf("parsing sqs resources: %w", err)
	}

	return &Driver{
		Base: replicate.NewBase("sqs", name, parsed.CommonConfig, routes),
		cfg:  parsed,
		dial: func(ctx context.Context) (API, error) { return dial(ctx, parsed) },
	}, nil
}

func init() {
	replicate.Register("sqs", NewReplicator)
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

	log.WithField("region", cfg.Region).Info("creating sqs client")
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// queuesFor resolves the destinations for a route: the route's own target when
// it is set, otherwise the config-level fallbacks.
func (d *Driver) queuesFor(route replicate.Route) []string {
	if route.Target != "" {
		return []string{route.Target}
	}
	if d.cfg.QueueURL != "" {
		return []string{d.cfg.QueueURL}
	}
	if d.cfg.DefaultQueue != "" {
		return []string{d.cfg.DefaultQueue}
	}
	return nil
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks region, queue settings and routing.
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
	if _, err = client.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)}); err != nil {
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

// Replicate publishes the canonical envelope to every queue of every route.
func (d *Driver) Replicate(ctx context.Context, ev replicate.Event) (*replicate.Result, error) {
	var routes, skip, guardErr = d.Guard(ev.Resource, ev.Operation)
	if guardErr != nil {
		return nil, guardErr
	}
	if skip != nil {
		return skip, nil
	}

	var cleaned = replicate.CleanRecord(ev.Data, d.pluginAttrs[ev.Resource], false)
	var routeResults []replicate.RouteResult

	for _, route := range routes {
		var payload, err = route.Apply(cleaned)
		if err != nil {
			var pErr = replicate.PayloadError("replicate", err)
			pErr.Resource = ev.Resource
			routeResults = append(routeResults, replicate.RouteResult{Target: route.Target, Error: pErr})
			continue
		}

		var enveloped = ev
		enveloped.Data = payload
		var body, mErr = json.Marshal(replicate.NewEnvelope(enveloped))
		if mErr != nil {
			var pErr = replicate.PayloadError("replicate", mErr)
			pErr.Resource = ev.Resource
			routeResults = append(routeResults, replicate.RouteResult{Target: route.Target, Error: pErr})
			continue
		}

		for _, queue := range d.queuesFor(route) {
			routeResults = append(routeResults, d.send(ctx, queue, ev, string(body)))
		}
	}

	var result = replicate.Collect(routeResults)
	d.EmitReplicated(ev, result)
	return result, nil
}

func (d *Driver) send(ctx context.Context, queue string, ev replicate.Event, body string) replicate.RouteResult {
	var input = &sqs.SendMessageInput{
		QueueUrl:    aws.String(queue),
		MessageBody: aws.String(body),
	}
	if d.cfg.MessageGroupID != "" {
		input.MessageGroupId = aws.String(d.cfg.MessageGroupID)
	}
	if d.cfg.DeduplicationID {
		input.MessageDeduplicationId = aws.String(dedupID(ev))
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		var wErr = classify("replicate", err)
		wErr.Resource = ev.Resource
		d.Log().WithFields(log.Fields{"queue": queue, "err": err}).Warn("message send failed")
		return replicate.RouteResult{Target: queue, Error: wErr}
	}
	return replicate.RouteResult{Target: queue, Success: true}
}

func dedupID(ev replicate.Event) string {
	return fmt.Sprintf("%s:%s:%s", ev.Resource, ev.Operation, ev.ID)
}

// ReplicateBatch publishes all records as insert envelopes using
// SendMessageBatch in groups of ten per queue. A transport-level batch failure
// aborts the remaining groups for this call.
func (d *Driver) ReplicateBatch(ctx context.Context, resource string, records []replicate.Record) (*replicate.BatchResult, error) {
	if state := d.State(); state != replicate.StateReady {
		return nil, replicate.NotReadyError(d.DriverName(), state)
	}
	var routes, skip, guardErr = d.Guard(resource, replicate.OpInsert)
	if guardErr != nil {
		return nil, guardErr
	}
	if skip != nil {
		return &replicate.BatchResult{Success: true, Total: len(records)}, nil
	}

	var out = &replicate.BatchResult{Success: true, Total: len(records)}
	var failed = make(map[int]error)

	for _, route := range routes {
		for _, queue := range d.queuesFor(route) {
			var entries []types.SendMessageBatchRequestEntry
			var indices []int

			for i, record := range records {
				var cleaned = replicate.CleanRecord(record, d.pluginAttrs[resource], false)
				payload, err := route.Apply(cleaned)
				if err != nil {
					failed[i] = replicate.PayloadError("replicate_batch", err)
					continue
				}
				var ev = replicate.Event{
					Resource:  resource,
					Operation: replicate.OpInsert,
					Data:      payload,
					ID:        replicate.RecordID(record),
				}
				body, err := json.Marshal(replicate.NewEnvelope(ev))
				if err != nil {
					failed[i] = replicate.PayloadError("replicate_batch", err)
					continue
				}

				var entry = types.SendMessageBatchRequestEntry{
					Id:          aws.String(fmt.Sprintf("m%d", i)),
					MessageBody: aws.String(string(body)),
				}
				if d.cfg.MessageGroupID != "" {
					entry.MessageGroupId = aws.String(d.cfg.MessageGroupID)
				}
				if d.cfg.DeduplicationID {
					entry.MessageDeduplicationId = aws.String(dedupID(ev))
				}
				entries = append(entries, entry)
				indices = append(indices, i)
			}

			for start := 0; start < len(entries); start += maxBatchEntries {
				var end = start + maxBatchEntries
				if end > len(entries) {
					end = len(entries)
				}
				var resp, err = d.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
					QueueUrl: aws.String(queue),
					Entries:  entries[start:end],
				})
				if err != nil {
					// Transport failure: the remaining groups cannot be assumed
					// deliverable either.
					var cErr = classify("replicate_batch", err)
					for _, i := range indices[start:] {
						failed[i] = cErr
					}
					d.Log().WithFields(log.Fields{"queue": queue, "err": err}).Warn("batch send failed")
					break
				}
				for _, f := range resp.Failed {
					if i, ok := entryIndex(f.Id); ok {
						failed[i] = replicate.TransientError("replicate_batch",
							fmt.Errorf("message rejected: %s", aws.ToString(f.Message)))
					}
				}
			}
		}
	}

	for i, record := range records {
		if err, ok := failed[i]; ok {
			out.Errors = append(out.Errors, replicate.ItemError{Item: record, Error: err})
			continue
		}
		out.Successful++
		out.Results = append(out.Results, &replicate.Result{Success: true})
	}
	out.Success = len(out.Errors) == 0

	var event = replicate.EventBatchReplicated
	if !out.Success {
		event = replicate.EventBatchError
	}
	d.Emitter().Emit(event, map[string]interface{}{
		"replicator": d.Name(),
		"resource":   resource,
		"total":      out.Total,
		"successful": out.Successful,
		"failed":     len(out.Errors),
	})
	return out, nil
}

// entryIndex recovers the record index encoded in a batch entry id ("m<i>").
func entryIndex(id *string) (int, bool) {
	if id == nil {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(*id, "m%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// classify maps AWS errors onto the shared taxonomy.
func classify(op string, err error) *replicate.Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*replicate.Error); ok {
		return e
	}

	var msg = err.Error()
	switch {
	case strings.Contains(msg, "NonExistentQueue"):
		return replicate.ConfigError(op, "queue not found: %s", err).
			WithSuggestion("verify the queue URL or create the queue")
	case strings.Contains(msg, "ExpiredToken"):
		return replicate.AuthError(op, err, true,
			"AWS session token has expired; refresh the credentials")
	case strings.Contains(msg, "UnrecognizedClientException") || strings.Contains(msg, "InvalidSignatureException"):
		return replicate.AuthError(op, err, false,
			"AWS credentials are invalid; verify accessKeyId and secretAccessKey")
	case strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "RequestThrottled"):
		return replicate.TransientError(op, err)
	}
	return replicate.ConnectivityError(op, err)
}

// TestConnection lists one queue as probe. Never errors; failures emit
// connection_error.
func (d *Driver) TestConnection(ctx context.Context) bool {
	if d.client == nil {
		return false
	}
	if _, err := d.client.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)}); err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	return true
}

// Status merges base status with the SQS driver's fields.
func (d *Driver) Status() replicate.Status {
	var status = d.BaseStatus(d.client != nil)
	status.Extra = map[string]interface{}{
		"region":          d.cfg.Region,
		"deduplicationId": d.cfg.DeduplicationID,
	}
	return status
}

// Cleanup releases the client. The SDK client holds no closable resources.
func (d *Driver) Cleanup(context.Context) error {
	d.client = nil
	d.MarkClosed()
	return nil
}
