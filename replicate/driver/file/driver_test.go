package file

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/s3db-io/replicator/replicate"
)

type fakeSource struct{}

func (fakeSource) Resource(name string) (replicate.Resource, error) {
	return nil, errors.New("not available")
}

func newTestDriver(t *testing.T, format, raw string) (*Driver, string) {
	t.Helper()
	var dir = t.TempDir()
	var rep, err = replicate.New(format, "files", json.RawMessage(
		strings.Replace(raw, "{{dir}}", dir, 1)))
	require.NoError(t, err)

	var driver = rep.(*Driver)
	require.NoError(t, driver.Initialize(context.Background(), fakeSource{}))
	t.Cleanup(func() { driver.Cleanup(context.Background()) })
	return driver, dir
}

const basicConfig = `{
	"directory": "{{dir}}",
	"logLevel": false,
	"resources": {
		"users": {"path": "users", "actions": ["insert", "update", "delete"]}
	}
}`

func readLines(t *testing.T, path string) []string {
	t.Helper()
	var raw, err = os.ReadFile(path)
	require.NoError(t, err)
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestJSONLAppendsOneObjectPerLine(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", basicConfig)

	for i, name := range []string{"ada", "grace"} {
		var result, err = driver.Replicate(context.Background(), replicate.Event{
			Resource:  "users",
			Operation: replicate.OpInsert,
			ID:        fmt.Sprintf("u%d", i),
			Data:      replicate.Record{"id": fmt.Sprintf("u%d", i), "name": name, "_rev": "1"},
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, []string{"users"}, result.Tables)
	}

	var lines = readLines(t, filepath.Join(dir, "users.jsonl"))
	require.Len(t, lines, 2)

	var row map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &row))
	require.Equal(t, "u1", row["id"])
	require.Equal(t, "grace", row["name"])
	// Internal fields never reach the sink.
	require.NotContains(t, row, "_rev")
}

func TestJSONLGzip(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", `{
		"directory": "{{dir}}",
		"compression": "gzip",
		"logLevel": false,
		"resources": {"users": "users"}
	}`)

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.Cleanup(context.Background()))

	var f, oErr = os.Open(filepath.Join(dir, "users.jsonl.gz"))
	require.NoError(t, oErr)
	defer f.Close()

	gz, gErr := gzip.NewReader(f)
	require.NoError(t, gErr)
	line, rErr := bufio.NewReader(gz).ReadString('\n')
	require.NoError(t, rErr)
	require.JSONEq(t, `{"id": "u1", "name": "ada"}`, line)
}

func TestCSVHeaderWrittenOnce(t *testing.T) {
	var driver, dir = newTestDriver(t, "csv", basicConfig)

	for i := 0; i < 2; i++ {
		var _, err = driver.Replicate(context.Background(), replicate.Event{
			Resource:  "users",
			Operation: replicate.OpInsert,
			ID:        fmt.Sprintf("u%d", i),
			Data:      replicate.Record{"id": fmt.Sprintf("u%d", i), "name": "ada", "age": 36},
		})
		require.NoError(t, err)
	}

	var lines = readLines(t, filepath.Join(dir, "users.csv"))
	require.Len(t, lines, 3)
	// Columns are lexicographic.
	require.Equal(t, "age,id,name", lines[0])
	require.Equal(t, "36,u0,ada", lines[1])
}

func TestCSVRecoversExistingHeader(t *testing.T) {
	var driver, dir = newTestDriver(t, "csv", basicConfig)
	var path = filepath.Join(dir, "users.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\nu0,ada\n"), 0o644))

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "grace", "extra": "dropped"},
	})
	require.NoError(t, err)

	var lines = readLines(t, path)
	require.Len(t, lines, 3)
	// The appended row follows the file's original column order; fields
	// outside it are dropped rather than corrupting the grid.
	require.Equal(t, "id,name", lines[0])
	require.Equal(t, "u1,grace", lines[2])
}

func TestCSVNestedValuesStringify(t *testing.T) {
	var driver, dir = newTestDriver(t, "csv", basicConfig)

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "tags": []interface{}{"a", "b"}},
	})
	require.NoError(t, err)

	var lines = readLines(t, filepath.Join(dir, "users.csv"))
	require.Equal(t, "id,tags", lines[0])
	require.Equal(t, `u1,"[""a"",""b""]"`, lines[1])
}

func TestDeletesAreSkipped(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", basicConfig)

	var result, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpDelete,
		ID:        "u1",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.Tables)
	require.True(t, result.Results[0].Skipped)
	require.Equal(t, deleteSkipReason, result.Results[0].Reason)

	var _, statErr = os.Stat(filepath.Join(dir, "users.jsonl"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDateRotationSegmentsPath(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", `{
		"directory": "{{dir}}",
		"rotation": {"policy": "date"},
		"logLevel": false,
		"resources": {"users": "users"}
	}`)

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1"},
	})
	require.NoError(t, err)

	var expected = filepath.Join(dir,
		fmt.Sprintf("users_%s.jsonl", time.Now().UTC().Format("2006-01-02")))
	require.FileExists(t, expected)
}

func TestSizeRotationRenamesAside(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", `{
		"directory": "{{dir}}",
		"rotation": {"policy": "size", "maxBytes": 10},
		"logLevel": false,
		"resources": {"users": "users"}
	}`)

	for i := 0; i < 2; i++ {
		var _, err = driver.Replicate(context.Background(), replicate.Event{
			Resource:  "users",
			Operation: replicate.OpInsert,
			ID:        fmt.Sprintf("u%d", i),
			Data:      replicate.Record{"id": fmt.Sprintf("u%d", i), "name": "ada lovelace"},
		})
		require.NoError(t, err)
	}

	// Both appends crossed the threshold, so each file was rotated aside and
	// the plain name is gone until the next write.
	var matches, err = filepath.Glob(filepath.Join(dir, "users_*.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	var _, statErr = os.Stat(filepath.Join(dir, "users.jsonl"))
	require.True(t, os.IsNotExist(statErr))
}

func TestParquetRoundTrip(t *testing.T) {
	var driver, dir = newTestDriver(t, "parquet", basicConfig)

	for i := 0; i < 2; i++ {
		var _, err = driver.Replicate(context.Background(), replicate.Event{
			Resource:  "users",
			Operation: replicate.OpInsert,
			ID:        fmt.Sprintf("u%d", i),
			Data:      replicate.Record{"id": fmt.Sprintf("u%d", i), "name": "ada", "age": 36},
		})
		require.NoError(t, err)
	}
	require.NoError(t, driver.Cleanup(context.Background()))

	var f, oErr = os.Open(filepath.Join(dir, "users.parquet"))
	require.NoError(t, oErr)
	defer f.Close()
	info, sErr := f.Stat()
	require.NoError(t, sErr)

	pf, pErr := parquet.OpenFile(f, info.Size())
	require.NoError(t, pErr)
	require.Equal(t, int64(2), pf.NumRows())

	var names = make([]string, 0, 3)
	for _, field := range pf.Schema().Fields() {
		names = append(names, field.Name())
	}
	require.Equal(t, []string{"age", "id", "name"}, names)
}

func TestExcelRoundTrip(t *testing.T) {
	var driver, dir = newTestDriver(t, "excel", basicConfig)

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1", "name": "ada"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.Cleanup(context.Background()))

	var book, oErr = excelize.OpenFile(filepath.Join(dir, "users.xlsx"))
	require.NoError(t, oErr)
	defer book.Close()

	// One worksheet per file, named after the destination.
	rows, rErr := book.GetRows("users")
	require.NoError(t, rErr)
	require.Equal(t, [][]string{{"id", "name"}, {"u1", "ada"}}, rows)
}

func TestReplicateBatch(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", basicConfig)

	var records = make([]replicate.Record, 8)
	for i := range records {
		records[i] = replicate.Record{"id": fmt.Sprintf("b%d", i)}
	}
	var result, err = driver.ReplicateBatch(context.Background(), "users", records)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 8, result.Successful)

	require.Len(t, readLines(t, filepath.Join(dir, "users.jsonl")), 8)
}

func TestValidateConfig(t *testing.T) {
	var cases = []struct {
		format  string
		raw     string
		problem string
	}{
		{"jsonl", `{"logLevel": false, "resources": {"users": "users"}}`, "missing 'directory'"},
		{"jsonl", `{"directory": "/tmp/x", "compression": "zstd", "logLevel": false, "resources": {"users": "users"}}`,
			`jsonl compression must be "gzip", got "zstd"`},
		{"csv", `{"directory": "/tmp/x", "compression": "gzip", "logLevel": false, "resources": {"users": "users"}}`,
			"csv does not support compression"},
		{"parquet", `{"directory": "/tmp/x", "compression": "brotli", "logLevel": false, "resources": {"users": "users"}}`,
			`unknown parquet compression "brotli"`},
		{"jsonl", `{"directory": "/tmp/x", "rotation": {"policy": "hourly"}, "logLevel": false, "resources": {"users": "users"}}`,
			`unknown rotation policy "hourly"`},
		{"jsonl", `{"directory": "/tmp/x", "logLevel": false, "resources": {}}`,
			"at least one resource mapping is required"},
	}

	for _, tc := range cases {
		var rep, err = replicate.New(tc.format, "files", json.RawMessage(tc.raw))
		require.NoError(t, err)
		var result = rep.ValidateConfig()
		require.False(t, result.Valid, "format %s", tc.format)
		require.Contains(t, result.Errors, tc.problem)
	}
}

func TestConnectionProbe(t *testing.T) {
	var driver, dir = newTestDriver(t, "jsonl", basicConfig)

	require.True(t, driver.TestConnection(context.Background()))

	require.NoError(t, os.RemoveAll(dir))
	require.False(t, driver.TestConnection(context.Background()))
}

func TestCleanupClosesOpenFiles(t *testing.T) {
	var driver, _ = newTestDriver(t, "jsonl", basicConfig)

	var _, err = driver.Replicate(context.Background(), replicate.Event{
		Resource:  "users",
		Operation: replicate.OpInsert,
		ID:        "u1",
		Data:      replicate.Record{"id": "u1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, driver.Status().Extra["openFiles"])

	require.NoError(t, driver.Cleanup(context.Background()))
	var status = driver.Status()
	require.Equal(t, "closed", status.State)
	require.Equal(t, 0, status.Extra["openFiles"])
}
