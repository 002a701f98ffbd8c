package file

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/s3db-io/replicator/replicate"
)

const defaultRowGroupSize = 1000

// parquetWriter buffers rows and flushes a row group when the threshold is
// reached. The schema is inferred from the first record; nested values are
// JSON-stringified. Appending to an existing parquet file is not possible, so
// an existing path is replaced.
type parquetWriter struct {
	cfg  *config
	path string

	f       *os.File
	w       *parquet.GenericWriter[map[string]interface{}]
	columns []string
	pending int
}

func newParquetWriter(cfg *config, path string) (recordWriter, error) {
	return &parquetWriter{cfg: cfg, path: path}, nil
}

func (w *parquetWriter) rowGroupSize() int {
	if w.cfg.RowGroupSize > 0 {
		return w.cfg.RowGroupSize
	}
	return defaultRowGroupSize
}

func (w *parquetWriter) codec() compress.Codec {
	switch w.cfg.Compression {
	case "gzip":
		return &parquet.Gzip
	case "lz4":
		return &parquet.Lz4Raw
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Snappy
	}
}

// open creates the file and writer, inferring the schema from |record|.
func (w *parquetWriter) open(record replicate.Record) error {
	w.columns = sortedColumns(record)

	var group = make(parquet.Group, len(w.columns))
	for _, col := range w.columns {
		group[col] = parquet.Optional(nodeFor(record[col]))
	}
	var schema = parquet.NewSchema("record", group)

	var f, err = os.Create(w.path)
	if err != nil {
		return err
	}
	w.f = f
	w.w = parquet.NewGenericWriter[map[string]interface{}](f, schema,
		parquet.Compression(w.codec()))
	return nil
}

func nodeFor(v interface{}) parquet.Node {
	switch v.(type) {
	case bool:
		return parquet.Leaf(parquet.BooleanType)
	case float64, float32:
		return parquet.Leaf(parquet.DoubleType)
	case int, int32, int64:
		return parquet.Int(64)
	default:
		// Strings, nested values (JSON-stringified), and nil.
		return parquet.String()
	}
}

func (w *parquetWriter) Append(record replicate.Record) error {
	if w.w == nil {
		if err := w.open(record); err != nil {
			return err
		}
	}

	var row = make(map[string]interface{}, len(w.columns))
	for _, col := range w.columns {
		if value, ok := record[col]; ok && value != nil {
			row[col] = flatValue(value)
		}
	}
	if _, err := w.w.Write([]map[string]interface{}{row}); err != nil {
		return fmt.Errorf("writing parquet row: %w", err)
	}

	w.pending++
	if w.pending >= w.rowGroupSize() {
		return w.Flush()
	}
	return nil
}

// Size reports 0: row groups are compressed on flush, size rotation does not
// apply.
func (w *parquetWriter) Size() int64 { return 0 }

func (w *parquetWriter) Flush() error {
	if w.w == nil || w.pending == 0 {
		return nil
	}
	w.pending = 0
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flushing parquet row group: %w", err)
	}
	return nil
}

func (w *parquetWriter) Close() error {
	if w.w == nil {
		return nil
	}
	if err := w.w.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return w.f.Close()
}
