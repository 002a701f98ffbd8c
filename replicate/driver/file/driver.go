// Package file provides the flat-file replication drivers: JSONL, CSV,
// Parquet and Excel. Inserts and updates append records; deletes are skipped
// with a documented reason, a file sink has no row to remove.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
)

// Rotation policies.
const (
	RotateDate = "date"
	RotateSize = "size"
)

const deleteSkipReason = "deletes_not_supported_for_file_sinks"

// recordWriter is one open destination file. Implementations are not safe for
// concurrent use; the driver serialises access.
type recordWriter interface {
	Append(record replicate.Record) error
	// Size reports bytes written so far, for size rotation. Buffered formats
	// report 0 and opt out of size rotation.
	Size() int64
	Flush() error
	Close() error
}

// format binds a driver name to its extension and writer constructor.
type format struct {
	name      string
	ext       string
	newWriter func(cfg *config, path string) (recordWriter, error)
}

type rotationConfig struct {
	// Policy is "date" or "size".
	Policy string `json:"policy"`
	// MaxBytes triggers size rotation. Default 64 MiB.
	MaxBytes int64 `json:"maxBytes,omitempty"`
}

type config struct {
	replicate.CommonConfig

	// Directory receives all output files. Created at Initialize.
	Directory string          `json:"directory"`
	Rotation  *rotationConfig `json:"rotation,omitempty"`

	// Compression: "gzip" for JSONL; snappy|gzip|lz4|none for Parquet.
	Compression string `json:"compression,omitempty"`
	// RowGroupSize is the Parquet row-group / Excel save-chunk threshold.
	RowGroupSize int `json:"rowGroupSize,omitempty"`

	// Excel presentation knobs.
	AutoFilter   bool `json:"autoFilter,omitempty"`
	FreezeHeader bool `json:"freezeHeader,omitempty"`

	Resources map[string]interface{} `json:"resources"`
}

const defaultMaxBytes = 64 << 20

func (c *config) problems(f format) []string {
	var out []string
	if c.Directory == "" {
		out = append(out, "missing 'directory'")
	}
	if r := c.Rotation; r != nil && r.Policy != RotateDate && r.Policy != RotateSize {
		out = append(out, fmt.Sprintf("unknown rotation policy %q", r.Policy))
	}
	switch f.name {
	case "jsonl":
		if c.Compression != "" && c.Compression != "gzip" {
			out = append(out, fmt.Sprintf("jsonl compression must be \"gzip\", got %q", c.Compression))
		}
	case "parquet":
		switch c.Compression {
		case "", "snappy", "gzip", "lz4", "none":
		default:
			out = append(out, fmt.Sprintf("unknown parquet compression %q", c.Compression))
		}
	default:
		if c.Compression != "" {
			out = append(out, fmt.Sprintf("%s does not support compression", f.name))
		}
	}
	return out
}

func (c *config) maxBytes() int64 {
	if c.Rotation != nil && c.Rotation.MaxBytes > 0 {
		return c.Rotation.MaxBytes
	}
	return defaultMaxBytes
}

// Driver is the shared flat-file replicator.
type Driver struct {
	*replicate.Base

	cfg    *config
	format format

	mu    sync.Mutex
	files map[string]*openFile

	pluginAttrs map[string][]string
}

type openFile struct {
	path   string
	writer recordWriter
}

func newReplicator(f format) replicate.Constructor {
	return func(name string, raw json.RawMessage) (replicate.Replicator, error) {
		var parsed = new(config)
		if err := replicate.UnmarshalStrict(raw, parsed); err != nil {
			return nil, fmt.Errorf("parsing %s configuration: %w", f.name, err)
		}
		var routes, err = replicate.ParseResourceRoutes(parsed.Resources)
		if err != nil {
			return nil, fmt.Errorf("parsing %s resources: %w", f.name, err)
		}

		return &Driver{
			Base:   replicate.NewBase(f.name, name, parsed.CommonConfig, routes),
			cfg:    parsed,
			format: f,
			files:  make(map[string]*openFile),
		}, nil
	}
}

func init() {
	replicate.Register("jsonl", newReplicator(format{
		name: "jsonl", ext: "jsonl", newWriter: newJSONLWriter,
	}))
	replicate.Register("csv", newReplicator(format{
		name: "csv", ext: "csv", newWriter: newCSVWriter,
	}))
	replicate.Register("parquet", newReplicator(format{
		name: "parquet", ext: "parquet", newWriter: newParquetWriter,
	}))
	replicate.Register("excel", newReplicator(format{
		name: "excel", ext: "xlsx", newWriter: newExcelWriter,
	}))
}

func (d *Driver) routesOf() map[string][]replicate.Route {
	var out = make(map[string][]replicate.Route)
	for _, name := range d.Resources() {
		out[name] = d.Routes(name)
	}
	return out
}

// ValidateConfig checks directory, rotation, compression and routing.
func (d *Driver) ValidateConfig() replicate.ValidateResult {
	var problems = d.Common().Problems()
	problems = append(problems, replicate.ValidateRoutes(d.routesOf())...)
	problems = append(problems, d.cfg.problems(d.format)...)
	if len(d.Resources()) == 0 {
		problems = append(problems, "at least one resource mapping is required")
	}
	return replicate.ValidateResult{Valid: len(problems) == 0, Errors: problems}
}

// Initialize creates the output directory.
func (d *Driver) Initialize(ctx context.Context, source replicate.SourceDatabase) error {
	if result := d.ValidateConfig(); !result.Valid {
		var err = replicate.ConfigError("initialize", "invalid configuration: %v", result.Errors)
		d.FailInitialize(err)
		return err
	}
	if !d.BeginInitialize() {
		return nil
	}

	if err := os.MkdirAll(d.cfg.Directory, 0o755); err != nil {
		var cErr = replicate.ConnectivityError("initialize",
			fmt.Errorf("creating output directory %q: %w", d.cfg.Directory, err))
		d.FailInitialize(cErr)
		return cErr
	}
	log.WithFields(log.Fields{
		"format":    d.format.name,
		"directory": d.cfg.Directory,
	}).Info("file sink ready")

	d.pluginAttrs = make(map[string][]string)
	for _, name := range d.Resources() {
		if resource, resErr := source.Resource(name); resErr == nil {
			d.pluginAttrs[name] = resource.PluginAttributeNames()
		}
	}

	d.FinishInitialize()
	return nil
}

// pathFor derives the current output path for a target, including the date
// segment under date rotation.
func (d *Driver) pathFor(target string) string {
	var ext = d.format.ext
	if d.format.name == "jsonl" && d.cfg.Compression == "gzip" {
		ext += ".gz"
	}
	if d.cfg.Rotation != nil && d.cfg.Rotation.Policy == RotateDate {
		return filepath.Join(d.cfg.Directory,
			fmt.Sprintf("%s_%s.%s", target, time.Now().UTC().Format("2006-01-02"), ext))
	}
	return filepath.Join(d.cfg.Directory, fmt.Sprintf("%s.%s", target, ext))
}

// Replicate appends the payload to every route's file. Deletes are skipped.
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
		if ev.Operation == replicate.OpDelete {
			routeResults = append(routeResults, replicate.RouteResult{
				Target: route.Target, Skipped: true, Reason: deleteSkipReason,
			})
			continue
		}
		routeResults = append(routeResults, d.writeRoute(route, ev, cleaned))
	}

	var result = replicate.Collect(routeResults)
	d.EmitReplicated(ev, result)
	return result, nil
}

func (d *Driver) writeRoute(route replicate.Route, ev replicate.Event, cleaned replicate.Record) replicate.RouteResult {
	var payload, err = route.Apply(cleaned)
	if err != nil {
		var pErr = replicate.PayloadError("replicate", err)
		pErr.Resource = ev.Resource
		return replicate.RouteResult{Target: route.Target, Error: pErr}
	}
	if payload["id"] == nil && ev.ID != "" {
		payload["id"] = ev.ID
	}

	d.mu.Lock()
	err = d.appendLocked(route.Target, payload)
	d.mu.Unlock()

	if err != nil {
		var wErr = replicate.AsError(err, replicate.KindConnectivity, "replicate")
		wErr.Resource = ev.Resource
		d.Log().WithFields(log.Fields{"target": route.Target, "err": err}).Warn("file write failed")
		return replicate.RouteResult{Target: route.Target, Error: wErr}
	}
	return replicate.RouteResult{Target: route.Target, Success: true}
}

func (d *Driver) appendLocked(target string, payload replicate.Record) error {
	var path = d.pathFor(target)

	var of = d.files[target]
	if of != nil && of.path != path {
		// Date rollover: the current file's day has ended.
		of.writer.Close()
		delete(d.files, target)
		of = nil
	}
	if of == nil {
		var writer, err = d.format.newWriter(d.cfg, path)
		if err != nil {
			return fmt.Errorf("opening %q: %w", path, err)
		}
		of = &openFile{path: path, writer: writer}
		d.files[target] = of
	}

	if err := of.writer.Append(payload); err != nil {
		return fmt.Errorf("appending to %q: %w", of.path, err)
	}

	if d.cfg.Rotation != nil && d.cfg.Rotation.Policy == RotateSize &&
		of.writer.Size() > d.cfg.maxBytes() {
		return d.rotateBySizeLocked(target, of)
	}
	return nil
}

// rotateBySizeLocked closes the oversized file and renames it aside with an
// epoch suffix; the next append starts a fresh file under the plain name.
func (d *Driver) rotateBySizeLocked(target string, of *openFile) error {
	if err := of.writer.Close(); err != nil {
		return fmt.Errorf("closing %q for rotation: %w", of.path, err)
	}
	delete(d.files, target)

	var ext = filepath.Ext(of.path)
	var rotated = fmt.Sprintf("%s_%d%s",
		of.path[:len(of.path)-len(ext)], time.Now().Unix(), ext)
	if err := os.Rename(of.path, rotated); err != nil {
		return fmt.Errorf("rotating %q: %w", of.path, err)
	}
	d.Log().WithFields(log.Fields{"from": of.path, "to": rotated}).Info("rotated output file")
	return nil
}

// ReplicateBatch dispatches records as inserts through the batch pool. The
// per-file mutex keeps concurrent appends ordered within a file.
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

// TestConnection verifies the output directory is still present and writable.
func (d *Driver) TestConnection(ctx context.Context) bool {
	var probe = filepath.Join(d.cfg.Directory, ".s3db-replicator-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		d.Emitter().Emit(replicate.EventConnectionError, map[string]interface{}{
			"driver": d.DriverName(),
			"error":  err.Error(),
		})
		return false
	}
	os.Remove(probe)
	return true
}

// Status merges base status with the file driver's fields.
func (d *Driver) Status() replicate.Status {
	d.mu.Lock()
	var open = len(d.files)
	d.mu.Unlock()

	var status = d.BaseStatus(d.State() == replicate.StateReady)
	status.Extra = map[string]interface{}{
		"format":    d.format.name,
		"directory": d.cfg.Directory,
		"openFiles": open,
	}
	return status
}

// Cleanup flushes and closes every open file. Idempotent.
func (d *Driver) Cleanup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for target, of := range d.files {
		if err := of.writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %q: %w", of.path, err)
		}
		delete(d.files, target)
	}
	d.MarkClosed()
	return firstErr
}
