package replicate

import (
	"sync"
	"time"
)

// Operation is a change-event action emitted by the source database.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the legal actions.
func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is a single document payload keyed by field name.
type Record = map[string]interface{}

// Event is the change tuple dispatched to drivers. Before is populated only
// for updates, and only consumed by the webhook, SQS and sibling drivers.
type Event struct {
	Resource  string
	Operation Operation
	Data      Record
	ID        string
	Before    Record
}

// SourceName identifies this engine in envelopes and audit rows.
const SourceName = "s3db-replicator"

// Envelope is the canonical wire shape shared by the SQS and webhook drivers.
type Envelope struct {
	Resource  string    `json:"resource"`
	Action    Operation `json:"action"`
	Timestamp string    `json:"timestamp"`
	Source    string    `json:"source"`
	Data      Record    `json:"data"`
	Before    Record    `json:"before,omitempty"`
}

// NewEnvelope builds the canonical envelope for |ev| with a UTC timestamp.
func NewEnvelope(ev Event) Envelope {
	var env = Envelope{
		Resource:  ev.Resource,
		Action:    ev.Operation,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    SourceName,
		Data:      ev.Data,
	}
	if ev.Operation == OpUpdate {
		env.Before = ev.Before
	}
	return env
}

// Canonical event names emitted by drivers. Emission is informational only;
// consumers must not rely on events for correctness.
const (
	EventInitialized         = "initialized"
	EventConnected           = "connected"
	EventPluginInitialized   = "db:plugin:initialized"
	EventReplicated          = "plg:replicator:replicated"
	EventReplicatorError     = "plg:replicator:error"
	EventBatchReplicated     = "batch_replicated"
	EventBatchError          = "batch_replicator_error"
	EventSchemaSyncCompleted = "schema_sync_completed"
	EventTableCreated        = "table_created"
	EventTableAltered        = "table_altered"
	EventTableRecreated      = "table_recreated"
	EventConnectionError     = "connection_error"
	EventInitializationError = "initialization_error"
)

// EventHandler receives an emitted event name with its fields.
type EventHandler func(event string, fields map[string]interface{})

// Emitter is a minimal in-process event bus. Handlers run synchronously in
// registration order; a nil Emitter drops everything.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	anyHdlrs []EventHandler
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]EventHandler)}
}

// On registers |fn| for the named event. The empty name subscribes to all events.
func (e *Emitter) On(event string, fn EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == "" {
		e.anyHdlrs = append(e.anyHdlrs, fn)
		return
	}
	e.handlers[event] = append(e.handlers[event], fn)
}

// Emit dispatches |event| with |fields| to registered handlers.
func (e *Emitter) Emit(event string, fields map[string]interface{}) {
	if e == nil {
		return
	}
	e.mu.RLock()
	var hdlrs = append([]EventHandler(nil), e.handlers[event]...)
	hdlrs = append(hdlrs, e.anyHdlrs...)
	e.mu.RUnlock()

	for _, fn := range hdlrs {
		fn(event, fields)
	}
}
