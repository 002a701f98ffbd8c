package file

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/s3db-io/replicator/replicate"
)

// csvWriter appends RFC 4180 rows. The header is written once per file;
// reopening an existing file recovers the column order from its first line.
type csvWriter struct {
	f       *os.File
	w       *csv.Writer
	columns []string
	bytes   int64
}

func newCSVWriter(cfg *config, path string) (recordWriter, error) {
	var columns, size, err = existingHeader(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &csvWriter{f: f, w: csv.NewWriter(f), columns: columns, bytes: size}, nil
}

// existingHeader reads the header row of an existing file, returning nil
// columns for a missing or empty file.
func existingHeader(path string) ([]string, int64, error) {
	var f, err = os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return nil, 0, err
	}

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return nil, info.Size(), nil
	}
	record, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return nil, info.Size(), fmt.Errorf("reading header of %q: %w", path, err)
	}
	return record, info.Size(), nil
}

func (w *csvWriter) Append(record replicate.Record) error {
	if w.columns == nil {
		w.columns = sortedColumns(record)
		if err := w.w.Write(w.columns); err != nil {
			return err
		}
	}

	var row = make([]string, len(w.columns))
	for i, col := range w.columns {
		row[i] = cellString(record[col])
		w.bytes += int64(len(row[i])) + 1
	}
	if err := w.w.Write(row); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

func (w *csvWriter) Size() int64 { return w.bytes }

func (w *csvWriter) Flush() error {
	w.w.Flush()
	return w.w.Error()
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
