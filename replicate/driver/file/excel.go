package file

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/s3db-io/replicator/replicate"
)

// excelMaxRows is the worksheet hard limit, header row included.
const excelMaxRows = 1048576

// excelWriter buffers rows and writes the whole workbook on flush; the
// workbook object is discarded after every save. One worksheet per file,
// named after the destination.
type excelWriter struct {
	cfg   *config
	path  string
	sheet string

	columns []string
	rows    [][]interface{}
	dirty   bool
}

func newExcelWriter(cfg *config, path string) (recordWriter, error) {
	return &excelWriter{
		cfg:   cfg,
		path:  path,
		sheet: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}, nil
}

func (w *excelWriter) chunkSize() int {
	if w.cfg.RowGroupSize > 0 {
		return w.cfg.RowGroupSize
	}
	return defaultRowGroupSize
}

func (w *excelWriter) Append(record replicate.Record) error {
	if w.columns == nil {
		w.columns = sortedColumns(record)
	}
	if len(w.rows)+1 >= excelMaxRows {
		return fmt.Errorf("worksheet %q is full: %d rows", w.sheet, excelMaxRows)
	}

	var row = make([]interface{}, len(w.columns))
	for i, col := range w.columns {
		row[i] = flatValue(record[col])
	}
	w.rows = append(w.rows, row)
	w.dirty = true

	if len(w.rows)%w.chunkSize() == 0 {
		return w.Flush()
	}
	return nil
}

// Size reports 0: the workbook is rebuilt on every flush, size rotation does
// not apply.
func (w *excelWriter) Size() int64 { return 0 }

// Flush writes the workbook to disk and discards it.
func (w *excelWriter) Flush() error {
	if !w.dirty {
		return nil
	}

	var f = excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", w.sheet); err != nil {
		return err
	}

	var header = make([]interface{}, len(w.columns))
	for i, col := range w.columns {
		header[i] = col
	}
	if err := f.SetSheetRow(w.sheet, "A1", &header); err != nil {
		return err
	}
	for i, row := range w.rows {
		var cell, err = excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err = f.SetSheetRow(w.sheet, cell, &row); err != nil {
			return err
		}
	}

	if err := w.decorate(f); err != nil {
		return err
	}
	if err := f.SaveAs(w.path); err != nil {
		return fmt.Errorf("saving workbook %q: %w", w.path, err)
	}
	w.dirty = false
	return nil
}

// decorate applies the header style, auto-filter and frozen header row.
func (w *excelWriter) decorate(f *excelize.File) error {
	var styleID, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	lastCol, err := excelize.CoordinatesToCellName(len(w.columns), 1)
	if err != nil {
		return err
	}
	if err = f.SetCellStyle(w.sheet, "A1", lastCol, styleID); err != nil {
		return err
	}

	if w.cfg.AutoFilter {
		if err = f.AutoFilter(w.sheet, "A1:"+lastCol, nil); err != nil {
			return err
		}
	}
	if w.cfg.FreezeHeader {
		if err = f.SetPanes(w.sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *excelWriter) Close() error {
	return w.Flush()
}
