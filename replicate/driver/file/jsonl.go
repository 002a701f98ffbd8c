package file

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"

	"github.com/s3db-io/replicator/replicate"
)

// jsonlWriter appends one JSON object per line. Under gzip compression each
// process session appends a fresh gzip member; concatenated members form a
// valid stream.
type jsonlWriter struct {
	f     *os.File
	gz    *gzip.Writer
	bytes int64
}

func newJSONLWriter(cfg *config, path string) (recordWriter, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	var info os.FileInfo
	if info, err = f.Stat(); err != nil {
		f.Close()
		return nil, err
	}

	var w = &jsonlWriter{f: f, bytes: info.Size()}
	if cfg.Compression == "gzip" {
		w.gz = gzip.NewWriter(f)
	}
	return w, nil
}

func (w *jsonlWriter) Append(record replicate.Record) error {
	var line, err = json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	line = append(line, '\n')

	if w.gz != nil {
		_, err = w.gz.Write(line)
	} else {
		_, err = w.f.Write(line)
	}
	if err != nil {
		return err
	}
	w.bytes += int64(len(line))
	return nil
}

func (w *jsonlWriter) Size() int64 { return w.bytes }

func (w *jsonlWriter) Flush() error {
	if w.gz != nil {
		return w.gz.Flush()
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.f.Close()
}
