package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/s3db-io/replicator/replicate"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

type fakeResource struct {
	name  string
	attrs map[string]interface{}
}

func (r fakeResource) Name() string                       { return r.name }
func (r fakeResource) Attributes() map[string]interface{} { return r.attrs }
func (r fakeResource) PluginAttributeNames() []string     { return nil }

func (r fakeResource) Insert(context.Context, replicate.Record) (replicate.Record, error) {
	return nil, errors.New("not a destination")
}
func (r fakeResource) Update(context.Context, string, replicate.Record) (replicate.Record, error) {
	return nil, errors.New("not a destination")
}
func (r fakeResource) Delete(context.Context, string) error { return errors.New("not a destination") }

type fakeSource map[string]fakeResource

func (s fakeSource) Resource(name string) (replicate.Resource, error) {
	if r, ok := s[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("resource %q not found", name)
}

type insertCall struct {
	table string
	rows  []Row
}

type dmlCall struct {
	stmt   string
	params map[string]interface{}
}

// fakeClient records calls; batch dispatch is concurrent, so recording is
// locked. dmlErrs is a per-call error queue.
type fakeClient struct {
	mu sync.Mutex

	// tables maps existing table names to their live field names.
	tables  map[string][]string
	created map[string][]sqlgen.BigQueryField
	added   map[string][]sqlgen.BigQueryField
	dropped []string
	inserts []insertCall
	dml     []dmlCall

	probeErr  error
	fieldsErr error
	insertErr error
	dmlErrs   []error
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		tables:  make(map[string][]string),
		created: make(map[string][]sqlgen.BigQueryField),
		added:   make(map[string][]sqlgen.BigQueryField),
	}
}

func (c *fakeClient) ProbeDataset(context.Context) error { return c.probeErr }

func (c *fakeClient) TableFields(_ context.Context, table string) ([]string, bool, error) {
	if c.fieldsErr != nil {
		return nil, false, c.fieldsErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var fields, ok = c.tables[table]
	return fields, !ok, nil
}

func (c *fakeClient) CreateTable(_ context.Context, table string, fields []sqlgen.BigQueryField, _ *replicate.TableOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created[table] = fields
	var names = make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	c.tables[table] = names
	return nil
}

func (c *fakeClient) AddFields(_ context.Context, table string, fields []sqlgen.BigQueryField) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added[table] = fields
	for _, f := range fields {
		c.tables[table] = append(c.tables[table], f.Name)
	}
	return nil
}

func (c *fakeClient) DeleteTable(_ context.Context, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, table)
	delete(c.tables, table)
	return nil
}

func (c *fakeClient) InsertRows(_ context.Context, table string, rows []Row) error {
	if c.insertErr != nil {
		return c.insertErr
	}
	c.mu.Lock()
	c.inserts = append(c.inserts, insertCall{table: table, rows: rows})
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) RunDML(_ context.Context, stmt string, params map[string]interface{}) error {
	c.mu.Lock()
	c.dml = append(c.dml, dmlCall{stmt: stmt, params: params})
	var err error
	if len(c.dmlErrs) > 0 {
		err, c.dmlErrs = c.dmlErrs[0], c.dmlErrs[1:]
	}
	c.mu.Unlock()
	return err
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

// newTestDriver builds a ready driver over a fake client. Sleeps taken by the
// streaming-buffer retry are recorded instead of waited out.
func newTestDriver(t *testing.T, raw string, source replicate.SourceDatabase) (*Driver, *fakeClient, *[]time.Duration) {
	t.Helper()
	var rep, err = NewReplicator("warehouse", json.RawMessage(raw))
	require.NoError(t, err)

	var driver = rep.(*Driver)
	var client = newFakeClient()
	var slept []time.Duration
	driver.dial = func(context.Context) (Client, error) { return client, nil }
	driver.sleep = func(d time.Duration) { slept = append(slept, d) }
	require.NoError(t, driver.Initialize(context.Background(), source))
	return driver, client, &slept
}

const basicConfig = `{
	"projectId": "acme",
	"datasetId": "replica",
	"logLevel": false,
	"resources": {
		"users": {"table": "users", "actions": ["insert", "update", "delete"]}
	}
}`

const mutableConfig = `{
	"projectId": "acme",
	"datasetId": "replica",
	"mutability": "mutable",
	"logLevel": false,
	"resources": {
		"users": {"table": "users", "actions": ["insert", "update", "delete"]}
	}
}`

func TestAppendOnlyTracksOperations(t *testing.T) {
	var driver, client, _ = newTestDriver(t, basicConfig, fakeSource{})

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpUpdate,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, client.inserts, 1)

	var row = client.inserts[0].rows[0]
	require.Equal(t, "users", client.inserts[0].table)
	require.Equal(t, "u1", row.Values["id"])
	require.Equal(t, "update", row.Values[sqlgen.ColOperationType])

	var _, tsErr = time.Parse(time.RFC3339, row.Values[sqlgen.ColOperationTimestamp].(string))
	require.NoError(t, tsErr)

	// Every append-only row is distinct; a record-derived insert id would
	// dedupe repeated operations on the same record.
	require.NotEmpty(t, row.InsertID)
	require.NotEqual(t, "u1", row.InsertID)
}

func TestAppendOnlyInsertIDsAreUnique(t *testing.T) {
	var driver, client, _ = newTestDriver(t, basicConfig, fakeSource{})

	for i := 0; i < 2; i++ {
		var _, err = driver.Replicate(context.Background(), replicate.Event{
			Resource:  "users",
			Operation: replicate.OpUpdate,
			ID:        "u1",
			Data:      replicate.Record{"id": "u1", "age": i},
		})
		require.NoError(t, err)
	}
	require.Len(t, client.inserts, 2)
	require.NotEqual(t, client.inserts[0].rows[0].InsertID, client.inserts[1].rows[0].InsertID)
}

func TestMutableInsertDeduplicatesOnRecordID(t *testing.T) {
	var driver, client, _ = newTestDriver(t, mutableConfig, fakeSource{})

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	var row = client.inserts[0].rows[0]
	require.Equal(t, "u1", row.InsertID)
	require.NotContains(t, row.Values, sqlgen.ColOperationType)
}

func TestMutableUpdateDML(t *testing.T) {
	var driver, client, _ = newTestDriver(t, mutableConfig, fakeSource{})

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpUpdate,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada", "age": 36},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, client.dml, 1)

	var call = client.dml[0]
	require.Equal(t, "UPDATE `replica.users` SET `age` = @p0, `name` = @p1 WHERE id = @id", call.stmt)
	require.Equal(t, map[string]interface{}{"id": "u1", "p0": 36, "p1": "ada"}, call.params)
}

func TestMutableDeleteDML(t *testing.T) {
	var driver, client, _ = newTestDriver(t, mutableConfig, fakeSource{})

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpDelete,
		ID:        "u1",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	var call = client.dml[0]
	require.Equal(t, "DELETE FROM `replica.users` WHERE id = @id", call.stmt)
	require.Equal(t, map[string]interface{}{"id": "u1"}, call.params)
}

func TestStreamingBufferRetrySucceeds(t *testing.T) {
	var driver, client, slept = newTestDriver(t, mutableConfig, fakeSource{})
	client.dmlErrs = []error{errors.New("UPDATE or DELETE statement over table would affect rows in the streaming buffer"), nil}

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpDelete,
		ID:        "u1",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, client.dml, 2)
	require.Equal(t, []time.Duration{streamingBufferDelay}, *slept)
}

func TestStreamingBufferRetryExhausted(t *testing.T) {
	var driver, client, _ = newTestDriver(t, mutableConfig, fakeSource{})
	var bufErr = errors.New("rows in the streaming buffer")
	client.dmlErrs = []error{bufErr, bufErr}

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpDelete,
		ID:        "u1",
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, replicate.KindTransient, result.Errors[0].Kind)
	require.Len(t, client.dml, 2)
}

func TestImmutableVersioning(t *testing.T) {
	var driver, client, _ = newTestDriver(t, `{
		"projectId": "acme",
		"datasetId": "replica",
		"mutability": "immutable",
		"logLevel": false,
		"resources": {
			"users": {"table": "users", "actions": ["insert", "update", "delete"]}
		}
	}`, fakeSource{})

	var ops = []struct {
		op replicate.Operation
		id string
	}{
		{replicate.OpInsert, "u1"},
		{replicate.OpUpdate, "u1"},
		{replicate.OpDelete, "u1"},
		{replicate.OpInsert, "u2"},
	}
	for _, step := range ops {
		var _, err = driver.Replicate(context.Background(), replicate.Event{
			Resource:  "users",
			Operation: step.op,
			ID:        step.id,
			Data:      replicate.Record{"id": step.id},
		})
		require.NoError(t, err)
	}
	require.Len(t, client.inserts, 4)

	// Versions are monotonic per record id; the tombstone flag marks deletes.
	var values = func(i int) map[string]interface{} { return client.inserts[i].rows[0].Values }
	require.Equal(t, int64(1), values(0)[sqlgen.ColVersion])
	require.Equal(t, false, values(0)[sqlgen.ColIsDeleted])
	require.Equal(t, int64(2), values(1)[sqlgen.ColVersion])
	require.Equal(t, int64(3), values(2)[sqlgen.ColVersion])
	require.Equal(t, true, values(2)[sqlgen.ColIsDeleted])
	require.Equal(t, int64(1), values(3)[sqlgen.ColVersion])
}

func TestRouteMutabilityOverridesDriverDefault(t *testing.T) {
	var driver, client, _ = newTestDriver(t, `{
		"projectId": "acme",
		"datasetId": "replica",
		"mutability": "append-only",
		"logLevel": false,
		"resources": {
			"users": {"table": "users", "mutability": "mutable", "actions": ["update"]}
		}
	}`, fakeSource{})

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpUpdate,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.Empty(t, client.inserts)
	require.Len(t, client.dml, 1)
}

func TestStructuredValuesSerialise(t *testing.T) {
	var driver, client, _ = newTestDriver(t, basicConfig, fakeSource{})

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data: replicate.Record{
			"id":   "u1",
			"tags": []interface{}{"a", "b"},
			"meta": map[string]interface{}{"plan": "pro"},
		},
	})
	require.NoError(t, err)

	var values = client.inserts[0].rows[0].Values
	require.JSONEq(t, `["a", "b"]`, values["tags"].(string))
	require.JSONEq(t, `{"plan": "pro"}`, values["meta"].(string))
}

func TestSchemaSyncCreatesTable(t *testing.T) {
	var source = fakeSource{
		"users": fakeResource{name: "users", attrs: map[string]interface{}{
			"name": "string",
			"age":  "number|min:0|max:150",
		}},
	}
	var _, client, _ = newTestDriver(t, `{
		"projectId": "acme",
		"datasetId": "replica",
		"logLevel": false,
		"schemaSync": {"enabled": true, "autoCreateTable": true, "autoCreateColumns": true},
		"resources": {"users": "users"}
	}`, source)

	var fields = client.created["users"]
	require.NotEmpty(t, fields)
	require.Equal(t, sqlgen.BigQueryField{Name: "id", Type: "STRING", Required: true}, fields[0])

	var byName = make(map[string]sqlgen.BigQueryField)
	for _, f := range fields {
		byName[f.Name] = f
	}
	require.Equal(t, "INT64", byName["age"].Type)
	require.Equal(t, "STRING", byName["name"].Type)
	// Append-only is the default mode, so tracking columns are present.
	require.Contains(t, byName, sqlgen.ColOperationType)
	require.Contains(t, byName, sqlgen.ColOperationTimestamp)
	require.NotContains(t, byName, sqlgen.ColIsDeleted)
}

func TestSchemaSyncAddsMissingFieldsNullable(t *testing.T) {
	var source = fakeSource{
		"users": fakeResource{name: "users", attrs: map[string]interface{}{
			"name":  "string|required",
			"email": "string|required",
		}},
	}

	var rep, err = NewReplicator("warehouse", json.RawMessage(`{
		"projectId": "acme",
		"datasetId": "replica",
		"logLevel": false,
		"schemaSync": {"enabled": true, "autoCreateColumns": true},
		"resources": {"users": "users"}
	}`))
	require.NoError(t, err)

	var driver = rep.(*Driver)
	var client = newFakeClient()
	client.tables["users"] = []string{"id", "NAME", "_operation_type", "_operation_timestamp"}
	driver.dial = func(context.Context) (Client, error) { return client, nil }
	require.NoError(t, driver.Initialize(context.Background(), source))

	require.Empty(t, client.created)
	// Only the absent field is appended, forced nullable. Live field names
	// match case-insensitively.
	require.Equal(t, []sqlgen.BigQueryField{{Name: "email", Type: "STRING", Required: false}}, client.added["users"])
}

func TestSchemaSyncIntrospectionFailure(t *testing.T) {
	var source = fakeSource{
		"users": fakeResource{name: "users", attrs: map[string]interface{}{"name": "string"}},
	}

	var rep, err = NewReplicator("warehouse", json.RawMessage(`{
		"projectId": "acme",
		"datasetId": "replica",
		"logLevel": false,
		"schemaSync": {"enabled": true, "onMismatch": "error"},
		"resources": {"users": "users"}
	}`))
	require.NoError(t, err)

	var driver = rep.(*Driver)
	var client = newFakeClient()
	client.fieldsErr = errors.New("dial tcp: connection refused")
	driver.dial = func(context.Context) (Client, error) { return client, nil }

	err = driver.Initialize(context.Background(), source)
	var tagged *replicate.Error
	require.ErrorAs(t, err, &tagged)
	require.Equal(t, replicate.KindConnectivity, tagged.Kind)
	require.Equal(t, "failed", driver.Status().State)
}

func TestValidateConfig(t *testing.T) {
	var rep, err = NewReplicator("warehouse", json.RawMessage(`{
		"mutability": "upsert",
		"logLevel": false,
		"resources": {}
	}`))
	require.NoError(t, err)

	var result = rep.ValidateConfig()
	require.False(t, result.Valid)
	require.Contains(t, result.Errors, "missing 'projectId'")
	require.Contains(t, result.Errors, "missing 'datasetId'")
	require.Contains(t, result.Errors, `invalid mutability "upsert"`)
	require.Contains(t, result.Errors, "at least one resource mapping is required")
}

func TestClassification(t *testing.T) {
	var rep, _ = NewReplicator("warehouse", json.RawMessage(basicConfig))
	var driver = rep.(*Driver)

	var e = driver.classify("replicate", errors.New("would affect rows in the streaming buffer"))
	require.Equal(t, replicate.KindTransient, e.Kind)
	require.True(t, e.Retriable)

	e = driver.classify("replicate", errors.New(`oauth2: "invalid_grant" token expired`))
	require.Equal(t, replicate.KindAuth, e.Kind)
	require.False(t, e.Retriable)

	e = driver.classify("replicate", &googleapi.Error{Code: 403, Message: "access denied"})
	require.Equal(t, replicate.KindAuth, e.Kind)
	require.Contains(t, e.Suggestion, "dataEditor")

	e = driver.classify("replicate", &googleapi.Error{Code: 404, Message: "dataset missing"})
	require.Equal(t, replicate.KindConfig, e.Kind)
	require.Contains(t, e.Suggestion, `"replica"`)

	e = driver.classify("replicate", &googleapi.Error{Code: 503, Message: "backend unavailable"})
	require.Equal(t, replicate.KindTransient, e.Kind)

	e = driver.classify("replicate", errors.New("dial tcp: connection refused"))
	require.Equal(t, replicate.KindConnectivity, e.Kind)
	require.True(t, e.Retriable)
}

func TestWriteFailureSurfacesInResult(t *testing.T) {
	var driver, client, _ = newTestDriver(t, basicConfig, fakeSource{})
	client.insertErr = &googleapi.Error{Code: 403, Message: "permission denied"}

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1"},
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, replicate.KindAuth, result.Errors[0].Kind)
	require.Equal(t, "users", result.Errors[0].Resource)
}

func TestReplicateBatch(t *testing.T) {
	var driver, client, _ = newTestDriver(t, basicConfig, fakeSource{})

	var result, err = driver.ReplicateBatch(context.Background(), "users", []replicate.Record{
		{"id": "b1"}, {"id": "b2"}, {"id": "b3"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 3, result.Successful)
	require.Len(t, client.inserts, 3)
}

func TestConnectionAndCleanup(t *testing.T) {
	var driver, client, _ = newTestDriver(t, basicConfig, fakeSource{})

	require.True(t, driver.TestConnection(context.Background()))

	client.probeErr = errors.New("connection reset")
	require.False(t, driver.TestConnection(context.Background()))

	require.NoError(t, driver.Cleanup(context.Background()))
	require.True(t, client.closed)
	require.False(t, driver.TestConnection(context.Background()))

	var status = driver.Status()
	require.Equal(t, "closed", status.State)
	require.Equal(t, "acme", status.Extra["project"])
	require.Equal(t, "replica", status.Extra["dataset"])
}
