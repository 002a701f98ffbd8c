// Package webhook provides the HTTP replication driver. Events are POSTed as
// the canonical JSON envelope with configurable authentication and retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultAttempts   = 3
	defaultRetryDelay = time.Second
	userAgent         = "s3db-webhook-replicator"
)

// defaultRetryStatuses are retried unless the config overrides them.
var defaultRetryStatuses = []int{429, 500, 502, 503, 504}

type authConfig struct {
	// Type is one of "bearer", "basic", "apikey".
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Header names the API-key header; defaults to "X-API-Key".
	Header string `json:"header,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
}

type retryConfig struct {
	// Attempts caps total tries including the first. Default 3; an explicit
	// 0 means a single try with no retries.
	Attempts *int `json:"attempts,omitempty"`
	// Backoff is "fixed" or "exponential". Default exponential.
	Backoff string `json:"backoff,omitempty"`
	// DelayMs is the initial delay between attempts. Default 1000.
	DelayMs int `json:"delayMs,omitempty"`
	// Statuses overrides the retry-worthy status set.
	Statuses []int `json:"statuses,omitempty"`
}

type config struct {
	replicate.CommonConfig

	URL       string            `json:"url"`
	Auth      *authConfig       `json:"auth,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Retry     retryConfig       `json:"retry,omitempty"`

	Resources map[string]interface{} `json:"resources"`
}

func (c *config) problems() []string {
	var out []string
	if c.URL == "" {
		out = append(out, "missing 'url'")
	} else if _, err := url.ParseRequestURI(c.URL); err != nil {
		out = append(out, fmt.Sprintf("invalid 'url': %v", err))
	}
	if c.Auth != nil {
		switch c.Auth.Type {
		case "bearer":
			if c.Auth.Token == "" {
				out = append(out, "auth type 'bearer' requires 'token'")
			}
		case "basic":
			if c.Auth.Username == "" {
				out = append(out, "auth type 'basic' requires 'username'")
			}
		case "apikey":
			if c.Auth.APIKey == "" {
				out = append(out, "auth type 'apikey' requires 'apiKey'")
			}
		default:
			out = append(out, fmt.Sprintf("unknown auth type %q", c.Auth.Type))
		}
	}
	if c.Retry.Attempts != nil && *c.Retry.Attempts < 0 {
		out = append(out, "'retry.attempts' must not be negative")
	}
	if c.Retry.Backoff != "" && c.Retry.Backoff != "fixed" && c.Retry.Backoff != "exponential" {
		out = append(out, fmt.Sprintf("unknown retry backoff %q", c.Retry.Backoff))
	}
	return out
}

func (c *config) timeout() time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return defaultTimeout
}

func (c *config) attempts() int {
	if c.Retry.Attempts == nil {
		return defaultAttempts
	}
	if *c.Retry.Attempts < 1 {
		return 1
	}
	return *c.Retry.Attempts
}

func (c *config) retryDelay(attempt int) time.Duration {
	var base = defaultRetryDelay
	if c.Retry.DelayMs > 0 {
		base = time.Duration(c.Retry.DelayMs) * time.Millisecond
	}
	if c.Retry.Backoff == "fixed" {
		return base
	}
	return base << uint(attempt)
}

func (c *config) retryStatus(code int) bool {
	var statuses = c.Retry.Statuses
	if len(statuses) == 0 {
		statuses = defaultRetryStatuses
	}
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

// Driver is the webhook replicator.
type Driver struct {
	*replicate.Base

	cfg *config
	// HTTP transport and retry sleep, substitutable in tests.
	httpClient *http.Client
	sleep      func(time.Duration)

	ready bool
	// retried counts individual retry attempts across all requests.
	retried atomic.Int64

	pluginAttrs map[string][]string
}

// NewReplicator builds a webhook driver instance from raw JSON configuration.
func NewReplicator(name string, raw json.RawMessage) (replicate.Replicator, error) {
	var parsed = new(config)
	if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing webhook configuration: %w", err)
	}
	var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
	if err != nil {
		return nil, fmt.Errorf("parsing webhook resources: %w", err)
	}

	return &Driver{
		Base:       replicate.NewBase("webhook", name, parsed.CommonConfig, routes),
		cfg:        parsed,
		httpClient: &http.Client{},
		sleep:      time.Sleep,
	}, nil
}

func init() {
	replicate.Register("webhook", NewReplicator)
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks URL, auth, retry policy and routing.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(d.routesOf())...)
	problems = append(problems, d.cfg.problems()...)
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

// Initialize probes the endpoint with a HEAD request. An unreachable endpoint
// fails initialization; any HTTP response, including an error status, proves
// reachability.
func (d *Driver) Initialize(ctx context.Context, source replicate.SourceDatabase) error {
	if result := d.ValidateConfig(); !result.Valid {
		var err = replicate.ConfigError("initialize", "invalid configuration: %v", result.Errors)
		d.FailInitialize(err)
		return err
	}
	if !d.BeginInitialize() {
		return nil
	}

	var probeCtx, cancel = context.WithTimeout(ctx, d.cfg.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, d.cfg.URL, nil)
	if err != nil {
		var cErr = replicate.ConfigError("initialize", "building probe request: %v", err)
		d.FailInitialize(cErr)
		return cErr
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		var cErr = replicate.ConnectivityError("initialize", err).
			WithSuggestion("verify the webhook URL is reachable from this host")
		d.FailInitialize(cErr)
		return cErr
	}
	resp.Body.Close()
	d.Emitter().Emit(replicate.EventConnected, map[string]interface{}{"driver": d.DriverName()})

	d.pluginAttrs = make(map[string][]string)
	for _, name := range d.Resources() {
		if resource, resErr := source.Resource(name); resErr == nil {
			d.pluginAttrs[name] = resource.PluginAttributeNames()
		}
	}

	d.ready = true
	d.FinishInitialize()
	return nil
}

func (d *Driver) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for name, value := range d.cfg.Headers {
		req.Header.Set(name, value)
	}

	if auth := d.cfg.Auth; auth != nil {
		switch auth.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		case "basic":
			req.SetBasicAuth(auth.Username, auth.Password)
		case "apikey":
			var header = auth.Header
			if header == "" {
				header = "X-API-Key"
			}
			req.Header.Set(header, auth.APIKey)
		}
	}
}

// targetURL joins the route path onto the configured URL. An absolute route
// target replaces it entirely.
func (d *Driver) targetURL(route replicate.Route) string {
	if strings.HasPrefix(route.Target, "http://") || strings.HasPrefix(route.Target, "https://") {
		return route.Target
	}
	if route.Target == "" {
		return d.cfg.URL
	}
	return strings.TrimRight(d.cfg.URL, "/") + "/" + strings.TrimLeft(route.Target, "/")
}

// Replicate POSTs the envelope to every route.
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
		var payload, err = route.Apply(cleaned)
		if err != nil {
			var pErr = replicate.PayloadError("replicate", err)
			pErr.Resource = ev.Resource
			routeResults = append(routeResults, replicate.RouteResult{Target: route.Target, Error: pErr})
			continue
		}
		var enveloped = ev
		enveloped.Data = payload
		routeResults = append(routeResults, d.post(ctx, route, ev.Resource, replicate.NewEnvelope(enveloped)))
	}

	var result = replicate.Collect(routeResults)
	d.EmitReplicated(ev, result)
	return result, nil
}

func (d *Driver) post(ctx context.Context, route replicate.Route, resource string, body interface{}) replicate.RouteResult {
	var raw, err = json.Marshal(body)
	if err != nil {
		var pErr = replicate.PayloadError("replicate", err)
		pErr.Resource = resource
		return replicate.RouteResult{Target: route.Target, Error: pErr}
	}

	var target = d.targetURL(route)
	if err = d.postWithRetry(ctx, target, raw); err != nil {
		var wErr = replicate.AsError(err, replicate.KindConnectivity, "replicate")
		wErr.Resource = resource
		d.Log().WithFields(log.Fields{"url": target, "err": err}).Warn("webhook post failed")
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}
	return replicate.RouteResult{Target: route.Target, Success: true}
}

// postWithRetry sends the body, retrying on network errors and on the
// configured retry-worthy statuses with fixed or exponential backoff.
func (d *Driver) postWithRetry(ctx context.Context, target string, body []byte) error {
	var attempts = d.cfg.attempts()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d.retried.Add(1)
			d.sleep(d.cfg.retryDelay(attempt - 1))
		}

		lastErr = d.postOnce(ctx, target, body)
		if lastErr == nil {
			return nil
		}
		if e, ok := lastErr.(*replicate.Error); ok && !e.Retriable {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (d *Driver) postOnce(ctx context.Context, target string, body []byte) error {
	var reqCtx, cancel = context.WithTimeout(ctx, d.cfg.timeout())
	defer cancel()

	var req, err = http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return replicate.ConfigError("replicate", "building request: %v", err)
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return replicate.ConnectivityError("replicate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if d.cfg.retryStatus(resp.StatusCode) {
		return replicate.TransientError("replicate",
			fmt.Errorf("endpoint returned %s", resp.Status))
	}
	// Non-retriable statuses: the request reached the endpoint and was refused.
	var e = replicate.NewError(replicate.KindPayload, "replicate", nil,
		"endpoint returned %s", resp.Status)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		e = replicate.AuthError("replicate",
			fmt.Errorf("endpoint returned %s", resp.Status), false,
			"verify the webhook auth configuration")
	}
	return e
}

// ReplicateBatch sends all records in a single request body {"batch": [...]}.
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

	for _, route := range routes {
		var envelopes = make([]replicate.Envelope, 0, len(records))
		for _, record := range records {
			var cleaned = replicate.CleanRecord(record, d.pluginAttrs[resource], false)
			payload, err := route.Apply(cleaned)
			if err != nil {
				out.Errors = append(out.Errors, replicate.ItemError{
					Item:  record,
					Error: replicate.PayloadError("replicate_batch", err),
				})
				continue
			}
			envelopes = append(envelopes, replicate.NewEnvelope(replicate.Event{
				Resource:  resource,
				Operation: replicate.OpInsert,
				Data:      payload,
				ID:        replicate.RecordID(record),
			}))
		}

		var rr = d.post(ctx, route, resource, map[string]interface{}{"batch": envelopes})
		if rr.Error != nil {
			// A failed batch request fails every record it carried.
			for range envelopes {
				out.Errors = append(out.Errors, replicate.ItemError{Error: rr.Error})
			}
			continue
		}
		for range envelopes {
			out.Results = append(out.Results, &replicate.Result{Success: true})
			out.Successful++
		}
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

// TestConnection re-runs the HEAD probe. Never errors; failures emit
// connection_error.
func (d *Driver) TestConnection(ctx context.Context) bool {
	var probeCtx, cancel = context.WithTimeout(ctx, d.cfg.timeout())
	defer cancel()

	var req, err = http.NewRequestWithContext(probeCtx, http.MethodHead, d.cfg.URL, nil)
	if err != nil {
		return false
	}
	d.setHeaders(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	resp.Body.Close()
	return true
}

// Status merges base status with the webhook driver's fields.
func (d *Driver) Status() replicate.Status {
	var status = d.BaseStatus(d.ready)
	status.Extra = map[string]interface{}{
		"url":             d.cfg.URL,
		"retriedRequests": d.retried.Load(),
	}
	return status
}

// Cleanup closes idle connections. Idempotent.
func (d *Driver) Cleanup(context.Context) error {
	d.httpClient.CloseIdleConnections()
	d.ready = false
	d.MarkClosed()
	return nil
}
