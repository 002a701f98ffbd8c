package replicate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Replicator is the capability set shared by every driver. A driver is
// created, initialised once (idempotently from the caller's perspective),
// used for many replicate calls, and finally cleaned up.
type Replicator interface {
	// Name returns the configured instance name.
	Name() string
	// DriverName returns the registered driver identifier, e.g. "postgres".
	DriverName() string

	// ValidateConfig checks mandatory fields and routing invariants. It is
	// pure and collects every violation instead of failing on the first.
	ValidateConfig() ValidateResult

	// Initialize validates config, constructs and probes the client, and runs
	// schema sync when enabled. All failure paths release partially-acquired
	// resources and leave the driver FAILED.
	Initialize(ctx context.Context, source SourceDatabase) error

	// Replicate dispatches one change event across the resource's routes.
	Replicate(ctx context.Context, ev Event) (*Result, error)

	// ReplicateBatch dispatches records through the batch pool.
	ReplicateBatch(ctx context.Context, resource string, records []Record) (*BatchResult, error)

	// TestConnection runs the driver's lightest connectivity probe. It never
	// returns an error; failures emit a connection_error event.
	TestConnection(ctx context.Context) bool

	// Status merges base status with driver-specific fields.
	Status() Status

	// Cleanup releases the client. Idempotent, safe without prior Initialize.
	Cleanup(ctx context.Context) error

	// ShouldReplicateResource answers whether the resource is routed; with a
	// non-empty operation it also consults the routes' allowed actions.
	ShouldReplicateResource(resource string, op Operation) bool
}

// ValidateResult is the collected outcome of ValidateConfig.
type ValidateResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// RouteResult is the outcome of one destination attempt.
type RouteResult struct {
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Result is the outcome of one Replicate call. It is the sole contract with
// the caller; emitted events are informational only.
type Result struct {
	Success bool          `json:"success"`
	Skipped bool          `json:"skipped,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Results []RouteResult `json:"results,omitempty"`
	Errors  []*Error      `json:"errors,omitempty"`
	Tables  []string      `json:"tables,omitempty"`
}

// Skip builds the skipped result for guard misses. Skips are not errors.
func Skip(reason string) *Result {
	return &Result{Success: true, Skipped: true, Reason: reason}
}

// Collect folds per-route outcomes into a Result.
func Collect(routeResults []RouteResult) *Result {
	var out = &Result{Success: true}
	for _, rr := range routeResults {
		out.Results = append(out.Results, rr)
		if rr.Error != nil {
			out.Success = false
			out.Errors = append(out.Errors, rr.Error)
		}
		if rr.Success && !rr.Skipped {
			out.Tables = append(out.Tables, rr.Target)
		}
	}
	return out
}

// BatchResult is the outcome of one ReplicateBatch call.
type BatchResult struct {
	Success    bool        `json:"success"`
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Results    []*Result   `json:"results,omitempty"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// Status describes a replicator instance.
type Status struct {
	Name      string                 `json:"name"`
	Driver    string                 `json:"driver"`
	Enabled   bool                   `json:"enabled"`
	Connected bool                   `json:"connected"`
	State     string                 `json:"state"`
	Resources []string               `json:"resources"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// State is the lifecycle position of a driver instance.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Base carries the state machine, routing table, emitter and batch pool shared
// by all drivers. Drivers embed it and implement the dialect write.
type Base struct {
	name   string
	driver string
	common CommonConfig
	routes map[string][]Route

	emitter *Emitter
	pool    Pool
	logger  *log.Entry

	mu    sync.Mutex
	state State
}

// NewBase builds the shared driver core.
func NewBase(driver, name string, common CommonConfig, routes map[string][]Route) *Base {
	var entry = log.WithFields(log.Fields{"driver": driver, "replicator": name})
	if !common.LogEnabled() {
		var silent = log.New()
		silent.SetLevel(log.PanicLevel)
		entry = silent.WithFields(log.Fields{})
	}

	return &Base{
		name:    name,
		driver:  driver,
		common:  common,
		routes:  routes,
		emitter: NewEmitter(),
		pool:    Pool{Concurrency: common.Concurrency()},
		logger:  entry,
	}
}

func (b *Base) Name() string       { return b.name }
func (b *Base) DriverName() string { return b.driver }

// Common returns the shared configuration block.
func (b *Base) Common() CommonConfig { return b.common }

// Emitter exposes the instance event bus.
func (b *Base) Emitter() *Emitter { return b.emitter }

// Pool returns the configured batch pool.
func (b *Base) Pool() Pool { return b.pool }

// Log returns the instance-scoped log entry.
func (b *Base) Log() *log.Entry { return b.logger }

// Enabled reports whether the driver participates in replication.
func (b *Base) Enabled() bool { return b.common.IsEnabled() }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// BeginInitialize transitions CREATED/FAILED/CLOSED -> INITIALIZING.
// Re-initialising a READY instance is a permitted no-op; it reports false.
func (b *Base) BeginInitialize() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateReady || b.state == StateInitializing {
		return false
	}
	b.state = StateInitializing
	return true
}

// FinishInitialize transitions to READY and emits the initialized events:
// the instance-level one and the plugin-level db:plugin:initialized.
func (b *Base) FinishInitialize() {
	b.setState(StateReady)
	var fields = map[string]interface{}{
		"replicator": b.name,
		"driver":     b.driver,
	}
	b.emitter.Emit(EventInitialized, fields)
	b.emitter.Emit(EventPluginInitialized, fields)
	b.logger.Info("replicator initialized")
}

// FailInitialize transitions to FAILED and emits initialization_error.
func (b *Base) FailInitialize(err error) {
	b.setState(StateFailed)
	b.emitter.Emit(EventInitializationError, map[string]interface{}{
		"replicator": b.name,
		"driver":     b.driver,
		"error":      err.Error(),
	})
	b.logger.WithField("err", err).Error("replicator initialization failed")
}

// MarkClosed transitions to CLOSED.
func (b *Base) MarkClosed() { b.setState(StateClosed) }

// Routes returns the routes for |resource| in declaration order.
func (b *Base) Routes(resource string) []Route { return b.routes[resource] }

// Resources lists routed resource names, sorted.
func (b *Base) Resources() []string {
	var out = make([]string, 0, len(b.routes))
	for name := range b.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ShouldReplicateResource implements the contract guard. An empty operation
// asks only "is this resource routed?".
func (b *Base) ShouldReplicateResource(resource string, op Operation) bool {
	var routes = b.routes[resource]
	if len(routes) == 0 {
		return false
	}
	if op == "" {
		return true
	}
	for _, route := range routes {
		if route.Accepts(op) {
			return true
		}
	}
	return false
}

// Guard applies the shared replicate preconditions. It returns either the
// routes accepting the operation, a skip result, or a not-ready error.
// Sinks are never contacted for guard misses.
func (b *Base) Guard(resource string, op Operation) ([]Route, *Result, *Error) {
	if !b.Enabled() {
		ObserveSkip(b.driver, op)
		return nil, Skip("replicator_disabled"), nil
	}
	if state := b.State(); state != StateReady {
		return nil, nil, NotReadyError(b.driver, state)
	}

	var routes = b.routes[resource]
	if len(routes) == 0 {
		ObserveSkip(b.driver, op)
		return nil, Skip("resource_not_configured"), nil
	}

	var accepting []Route
	for _, route := range routes {
		if route.Accepts(op) {
			accepting = append(accepting, route)
		}
	}
	if len(accepting) == 0 {
		ObserveSkip(b.driver, op)
		return nil, Skip(fmt.Sprintf("action_not_allowed:%s", op)), nil
	}
	return accepting, nil, nil
}

// EmitReplicated reports a completed replicate call through events + metrics.
func (b *Base) EmitReplicated(ev Event, result *Result) {
	if result.Skipped {
		return
	}
	if result.Success {
		ObserveReplicated(b.driver, ev.Operation)
		b.emitter.Emit(EventReplicated, map[string]interface{}{
			"replicator": b.name,
			"resource":   ev.Resource,
			"operation":  string(ev.Operation),
			"id":         ev.ID,
			"tables":     result.Tables,
			"success":    true,
		})
		return
	}
	ObserveError(b.driver, ev.Operation)
	var fields = map[string]interface{}{
		"replicator": b.name,
		"resource":   ev.Resource,
		"operation":  string(ev.Operation),
		"id":         ev.ID,
	}
	if len(result.Errors) > 0 {
		fields["error"] = result.Errors[0].Error()
	}
	b.emitter.Emit(EventReplicatorError, fields)
}

// BaseStatus assembles the contract-level status fields.
func (b *Base) BaseStatus(connected bool) Status {
	return Status{
		Name:      b.name,
		Driver:    b.driver,
		Enabled:   b.Enabled(),
		Connected: connected,
		State:     b.State().String(),
		Resources: b.Resources(),
	}
}

// RunBatch is the shared ReplicateBatch implementation: it dispatches each
// record as an insert-or-configured operation through the pool.
func (b *Base) RunBatch(ctx context.Context, resource string, records []Record, replicate PoolHandler, mapError ErrorMapper) *BatchResult {
	var results, failures = b.pool.Run(ctx, records, replicate, mapError)

	var out = &BatchResult{
		Total:      len(records),
		Successful: 0,
		Results:    results,
		Errors:     failures,
		Success:    len(failures) == 0,
	}
	for _, r := range results {
		if r != nil && r.Success {
			out.Successful++
		}
	}

	var event = EventBatchReplicated
	if !out.Success {
		event = EventBatchError
	}
	b.emitter.Emit(event, map[string]interface{}{
		"replicator": b.name,
		"resource":   resource,
		"total":      out.Total,
		"successful": out.Successful,
		"failed":     len(failures),
	})
	return out
}

// RecordID extracts the string id from a record, for batch dispatch.
func RecordID(record Record) string {
	switch id := record["id"].(type) {
	case string:
		return id
	case fmt.Stringer:
		return id.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", id)
	}
}
