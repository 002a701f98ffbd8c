package replicate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func newTestBase(common CommonConfig) *Base {
	return NewBase("testdriver", "primary", common, map[string][]Route{
		"users": {
			{Target: "users_a", Actions: []Operation{OpInsert, OpUpdate}},
			{Target: "users_b", Actions: []Operation{OpInsert}},
		},
		"orders": {
			{Target: "orders", Actions: []Operation{OpDelete}},
		},
	})
}

// recordEvents subscribes a collector to every event on |b|.
func recordEvents(b *Base) *[]string {
	var seen []string
	b.Emitter().On("", func(event string, _ map[string]interface{}) {
		seen = append(seen, event)
	})
	return &seen
}

func TestStateMachine(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	require.Equal(t, StateCreated, b.State())

	require.True(t, b.BeginInitialize())
	require.Equal(t, StateInitializing, b.State())
	// Concurrent initialize attempts are refused while one is in flight.
	require.False(t, b.BeginInitialize())

	b.FinishInitialize()
	require.Equal(t, StateReady, b.State())
	// Re-initialising a READY instance is a permitted no-op.
	require.False(t, b.BeginInitialize())

	b.MarkClosed()
	require.Equal(t, StateClosed, b.State())
	// A closed instance may be initialised again.
	require.True(t, b.BeginInitialize())

	b.FailInitialize(errors.New("dial refused"))
	require.Equal(t, StateFailed, b.State())
	require.True(t, b.BeginInitialize())
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "initializing", StateInitializing.String())
	require.Equal(t, "ready", StateReady.String())
	require.Equal(t, "draining", StateDraining.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "failed", StateFailed.String())
}

func TestLifecycleEvents(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	var seen = recordEvents(b)

	b.BeginInitialize()
	b.FinishInitialize()
	require.Equal(t, []string{EventInitialized, EventPluginInitialized}, *seen)

	b.FailInitialize(errors.New("bad credentials"))
	require.Equal(t, []string{EventInitialized, EventPluginInitialized, EventInitializationError}, *seen)
}

func TestGuardDisabled(t *testing.T) {
	var b = newTestBase(CommonConfig{Enabled: boolPtr(false)})
	b.BeginInitialize()
	b.FinishInitialize()

	var routes, skip, err = b.Guard("users", OpInsert)
	require.Nil(t, routes)
	require.Nil(t, err)
	require.True(t, skip.Skipped)
	require.Equal(t, "replicator_disabled", skip.Reason)
}

func TestGuardNotReady(t *testing.T) {
	var b = newTestBase(CommonConfig{})

	var routes, skip, err = b.Guard("users", OpInsert)
	require.Nil(t, routes)
	require.Nil(t, skip)
	require.NotNil(t, err)
	require.Equal(t, KindConnectivity, err.Kind)
	require.Equal(t, "call initialize()", err.Suggestion)
}

func TestGuardUnroutedResource(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	b.BeginInitialize()
	b.FinishInitialize()

	var _, skip, err = b.Guard("payments", OpInsert)
	require.Nil(t, err)
	require.True(t, skip.Skipped)
	require.Equal(t, "resource_not_configured", skip.Reason)
}

func TestGuardActionNotAllowed(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	b.BeginInitialize()
	b.FinishInitialize()

	var _, skip, err = b.Guard("users", OpDelete)
	require.Nil(t, err)
	require.True(t, skip.Skipped)
	require.Equal(t, "action_not_allowed:delete", skip.Reason)
}

func TestGuardFiltersAcceptingRoutes(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	b.BeginInitialize()
	b.FinishInitialize()

	var routes, skip, err = b.Guard("users", OpUpdate)
	require.Nil(t, skip)
	require.Nil(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, "users_a", routes[0].Target)

	routes, _, _ = b.Guard("users", OpInsert)
	require.Len(t, routes, 2)
}

func TestShouldReplicateResource(t *testing.T) {
	var b = newTestBase(CommonConfig{})

	// Empty operation asks only whether the resource is routed.
	require.True(t, b.ShouldReplicateResource("users", ""))
	require.False(t, b.ShouldReplicateResource("payments", ""))

	require.True(t, b.ShouldReplicateResource("users", OpUpdate))
	require.False(t, b.ShouldReplicateResource("users", OpDelete))
	require.True(t, b.ShouldReplicateResource("orders", OpDelete))
	require.False(t, b.ShouldReplicateResource("orders", OpInsert))
}

func TestResourcesSorted(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	require.Equal(t, []string{"orders", "users"}, b.Resources())
}

func TestCollect(t *testing.T) {
	var failure = ConnectivityError("replicate", errors.New("timeout"))
	var result = Collect([]RouteResult{
		{Target: "a", Success: true},
		{Target: "b", Error: failure},
		{Target: "c", Skipped: true, Reason: "deletes_not_supported_for_file_sinks"},
	})

	require.False(t, result.Success)
	require.Equal(t, []string{"a"}, result.Tables)
	require.Len(t, result.Errors, 1)
	require.Len(t, result.Results, 3)

	result = Collect([]RouteResult{{Target: "a", Success: true}})
	require.True(t, result.Success)
}

func TestEmitReplicated(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	var seen = recordEvents(b)
	var ev = Event{Resource: "users", Operation: OpInsert, ID: "u1"}

	b.EmitReplicated(ev, Skip("resource_not_configured"))
	require.Empty(t, *seen)

	b.EmitReplicated(ev, &Result{Success: true, Tables: []string{"users_a"}})
	require.Equal(t, []string{EventReplicated}, *seen)

	b.EmitReplicated(ev, &Result{Errors: []*Error{ConnectivityError("replicate", errors.New("down"))}})
	require.Equal(t, []string{EventReplicated, EventReplicatorError}, *seen)
}

func TestBaseStatus(t *testing.T) {
	var b = newTestBase(CommonConfig{})
	b.BeginInitialize()
	b.FinishInitialize()

	var status = b.BaseStatus(true)
	require.Equal(t, "primary", status.Name)
	require.Equal(t, "testdriver", status.Driver)
	require.True(t, status.Enabled)
	require.True(t, status.Connected)
	require.Equal(t, "ready", status.State)
	require.Equal(t, []string{"orders", "users"}, status.Resources)
}

func TestRunBatch(t *testing.T) {
	var b = newTestBase(CommonConfig{BatchConcurrency: intPtr(2)})
	var seen = recordEvents(b)

	var result = b.RunBatch(context.Background(), "users", makeRecords(5),
		func(_ context.Context, record Record) (*Result, error) {
			if record["id"] == "r2" {
				return nil, errors.New("rejected")
			}
			return &Result{Success: true}, nil
		}, nil)

	require.False(t, result.Success)
	require.Equal(t, 5, result.Total)
	require.Equal(t, 4, result.Successful)
	require.Len(t, result.Errors, 1)
	require.Equal(t, []string{EventBatchError}, *seen)

	result = b.RunBatch(context.Background(), "users", makeRecords(3),
		func(context.Context, Record) (*Result, error) {
			return &Result{Success: true}, nil
		}, nil)
	require.True(t, result.Success)
	require.Equal(t, 3, result.Successful)
	require.Equal(t, []string{EventBatchError, EventBatchReplicated}, *seen)
}

func TestRecordID(t *testing.T) {
	require.Equal(t, "u1", RecordID(Record{"id": "u1"}))
	require.Equal(t, "", RecordID(Record{}))
	require.Equal(t, "7", RecordID(Record{"id": 7}))
}
