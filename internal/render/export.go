package render

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/xuri/excelize/v2"

	"chinotype/domain/chi2"
)

// SheetName is the worksheet holding an XLSX export
const SheetName = "chi2"

// CSVFilename names a CSV download after the two cohort columns
func CSVFilename(names Names) string {
	return fmt.Sprintf("chi2_%s_%s.csv", filenamePart(names.Ref), filenamePart(names.Test))
}

// filenamePart is the normalized name without separators at its edges
func filenamePart(name string) string {
	return strings.Trim(NormalizeColumnName(name), "_")
}

// XLSXFilename is the workbook counterpart of CSVFilename
func XLSXFilename(names Names) string {
	return strings.TrimSuffix(CSVFilename(names), ".csv") + ".xlsx"
}

// alwaysQuoted are the identifier columns quoted in every row
func alwaysQuoted(col int) bool {
	return col == chi2.ColPrefix || col == chi2.ColCode || col == chi2.ColName
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func csvField(col int, cell chi2.Cell) string {
	if cell.IsNull() {
		return ""
	}
	s := cell.String()
	if alwaysQuoted(col) || strings.ContainsAny(s, ",\"\r\n") {
		return quote(s)
	}
	return s
}

// WriteCSV writes every column, PREFIX included, with the cohort headers
// renamed. Header cells and identifier columns are always quoted, other
// cells only when they need it.
func WriteCSV(w io.Writer, r *chi2.Result, names Names) error {
	bw := bufio.NewWriter(w)

	headers := Headers(r.Cols, names)
	for i, h := range headers {
		if i > 0 {
			bw.WriteByte(',')
		}
		bw.WriteString(quote(h))
	}
	bw.WriteByte('\n')

	for _, row := range r.Rows {
		for c := range r.Cols {
			if c > 0 {
				bw.WriteByte(',')
			}
			if c < len(row) {
				bw.WriteString(csvField(c, row[c]))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// CSV is WriteCSV into a string
func CSV(r *chi2.Result, names Names) string {
	var b strings.Builder
	_ = WriteCSV(&b, r, names)
	return b.String()
}

// WriteXLSX writes the CSV rows as a workbook with one sheet. Numbers stay
// numeric cells.
func WriteXLSX(w io.Writer, r *chi2.Result, names Names) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return err
	}

	for i, h := range Headers(r.Cols, names) {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return err
		}
	}

	for ri, row := range r.Rows {
		for c := 0; c < len(r.Cols) && c < len(row); c++ {
			v := row[c]
			if v.IsNull() {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(c+1, ri+2)
			var value interface{} = v.String()
			if v.IsNumber() {
				value, _ = v.Float()
			}
			if err := f.SetCellValue(SheetName, cell, value); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}

// WriteText prints the display table aligned in columns, separator as a
// dotted line
func WriteText(w io.Writer, view *TableView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(view.Headers, "\t"))
	for _, row := range view.Rows {
		if row.Separator {
			fmt.Fprintln(tw, "...")
			continue
		}
		fmt.Fprintln(tw, strings.Join(row.Cells, "\t"))
	}
	return tw.Flush()
}

// Option is one entry of the concept filter select
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ConceptOptions lists ALL followed by one option per prefix, each code
// ending in ':'
func ConceptOptions(prefixes []chi2.Prefix) []Option {
	opts := make([]Option, 0, len(prefixes)+1)
	opts = append(opts, Option{Value: chi2.All, Label: chi2.All})
	for _, p := range prefixes {
		code := p.Code
		if !strings.HasSuffix(code, ":") {
			code += ":"
		}
		label := code
		if p.Description != "" {
			label = code + " " + p.Description
		}
		opts = append(opts, Option{Value: code, Label: label})
	}
	return opts
}
