package audit

import (
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	maxSheetName = 31
	minColWidth  = 10
	maxColWidth  = 48
)

// ExcelizeWriter builds one workbook with a sheet per exported table.
// Column widths and the header filter are applied when the sheet is finished.
type ExcelizeWriter struct {
	file        *excelize.File
	sheet       string
	row         int
	widths      []int
	finished    bool
	headerStyle int
}

func NewExcelizeWriter() ExcelWriter {
	return &ExcelizeWriter{file: excelize.NewFile()}
}

func (w *ExcelizeWriter) AddSheet(name string) error {
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	if w.sheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet %s: %w", name, err)
		}
	} else {
		if err := w.finishSheet(); err != nil {
			return err
		}
		if _, err := w.file.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	w.sheet = name
	w.row = 1
	w.widths = nil
	w.finished = false
	return nil
}

func (w *ExcelizeWriter) WriteHeader(columns []string) error {
	if w.sheet == "" {
		return fmt.Errorf("no active sheet")
	}
	if err := w.setRow(toCells(columns)); err != nil {
		return err
	}

	if w.headerStyle == 0 {
		style, err := w.file.NewStyle(&excelize.Style{
			Font: &excelize.Font{Bold: true},
			Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		})
		if err != nil {
			return fmt.Errorf("header style: %w", err)
		}
		w.headerStyle = style
	}
	first, _ := excelize.CoordinatesToCellName(1, w.row-1)
	last, _ := excelize.CoordinatesToCellName(max(len(columns), 1), w.row-1)
	if err := w.file.SetCellStyle(w.sheet, first, last, w.headerStyle); err != nil {
		return err
	}
	return w.file.SetPanes(w.sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// WriteRow appends one record. Timestamps are written as UTC RFC3339 text so
// the workbook reads the same in every locale.
func (w *ExcelizeWriter) WriteRow(row []interface{}) error {
	if w.sheet == "" {
		return fmt.Errorf("no active sheet")
	}
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = cellValue(v)
	}
	return w.setRow(cells)
}

func (w *ExcelizeWriter) Save(wr io.Writer) error {
	if err := w.finishSheet(); err != nil {
		return err
	}
	return w.file.Write(wr)
}

func (w *ExcelizeWriter) SaveToFile(path string) error {
	if err := w.finishSheet(); err != nil {
		return err
	}
	return w.file.SaveAs(path)
}

func (w *ExcelizeWriter) Close() error {
	return w.file.Close()
}

func (w *ExcelizeWriter) setRow(cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.sheet, cell, &cells); err != nil {
		return fmt.Errorf("sheet %s row %d: %w", w.sheet, w.row, err)
	}
	for i, v := range cells {
		n := utf8.RuneCountInString(fmt.Sprint(v))
		if i >= len(w.widths) {
			w.widths = append(w.widths, n)
		} else if n > w.widths[i] {
			w.widths[i] = n
		}
	}
	w.row++
	return nil
}

// finishSheet sizes columns to their content and puts a filter on the header.
func (w *ExcelizeWriter) finishSheet() error {
	if w.sheet == "" || len(w.widths) == 0 || w.finished {
		return nil
	}
	w.finished = true
	for i, n := range w.widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		width := float64(min(max(n+2, minColWidth), maxColWidth))
		if err := w.file.SetColWidth(w.sheet, col, col, width); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(w.widths), max(w.row-1, 1))
	return w.file.AutoFilter(w.sheet, "A1:"+last, nil)
}

func toCells(columns []string) []interface{} {
	cells := make([]interface{}, len(columns))
	for i, c := range columns {
		cells[i] = c
	}
	return cells
}

func cellValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return v
	}
}
