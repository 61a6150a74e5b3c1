// Package render turns a chi2 result table into the plugin's HTML table,
// CSV and XLSX exports.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"unicode"

	"chinotype/domain/chi2"
)

//go:embed templates/*.html
var templateFS embed.FS

var tableTemplate = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// FractionPrefix labels the fraction column paired with a count column
const FractionPrefix = "FRC_"

// Names are the user-edited labels for the two cohort columns
type Names struct {
	Ref  string
	Test string
}

// NormalizeColumnName upper-cases name and collapses every run of
// non-alphanumeric characters into one underscore
func NormalizeColumnName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep {
				b.WriteByte('_')
				pendingSep = false
			}
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		pendingSep = true
	}
	if pendingSep {
		b.WriteByte('_')
	}
	return b.String()
}

// Headers returns every column header with the cohort columns renamed.
// Empty names keep the backend's header.
func Headers(cols []string, names Names) []string {
	out := append([]string(nil), cols...)
	rename := func(countCol, fracCol int, name string) {
		if name == "" {
			return
		}
		n := NormalizeColumnName(name)
		if countCol < len(out) {
			out[countCol] = n
		}
		if fracCol < len(out) {
			out[fracCol] = FractionPrefix + n
		}
	}
	rename(chi2.ColRefCount, chi2.ColRefFrac, names.Ref)
	rename(chi2.ColTestCount, chi2.ColTestFrac, names.Test)
	return out
}

// TableView is the displayable form of a result
type TableView struct {
	Headers []string
	Rows    []RowView
}

// Columns is the number of visible columns
func (v *TableView) Columns() int { return len(v.Headers) }

// RowView is one rendered row, or the separator between over- and
// under-represented concepts
type RowView struct {
	Separator bool
	Total     bool
	Cells     []string
}

// BuildTable applies the display rules: PREFIX hidden, cohort headers
// renamed, one separator before the first under-represented row, TOTAL
// rows reduced to their count columns, numbers formatted per column.
func BuildTable(r *chi2.Result, names Names) *TableView {
	headers := Headers(r.Cols, names)
	view := &TableView{Headers: visible(headers)}

	foundMid := false
	for _, row := range r.Rows {
		total := chi2.IsTotal(row)
		if !foundMid && !total && underRepresented(row, len(r.Cols)) {
			foundMid = true
			view.Rows = append(view.Rows, RowView{Separator: true})
		}

		rv := RowView{Total: total}
		for c := 0; c < len(r.Cols); c++ {
			if c == chi2.ColPrefix {
				continue
			}
			var cell chi2.Cell
			if c < len(row) {
				cell = row[c]
			}
			text := FormatCell(c, cell)
			if total && c != chi2.ColRefCount && c != chi2.ColTestCount {
				text = ""
			}
			rv.Cells = append(rv.Cells, text)
		}
		view.Rows = append(view.Rows, rv)
	}
	return view
}

func visible(headers []string) []string {
	if len(headers) <= chi2.ColPrefix {
		return nil
	}
	out := make([]string, 0, len(headers)-1)
	out = append(out, headers[:chi2.ColPrefix]...)
	return append(out, headers[chi2.ColPrefix+1:]...)
}

func underRepresented(row []chi2.Cell, ncols int) bool {
	last := ncols - 1
	if last < 0 || last >= len(row) {
		return false
	}
	f, ok := row[last].Float()
	return ok && f == chi2.UnderRepresented
}

// FormatCell renders one value for display: fractions to 5 decimals, the
// chi-square statistic to 2, null as empty
func FormatCell(col int, cell chi2.Cell) string {
	if cell.IsNull() {
		return ""
	}
	switch col {
	case chi2.ColRefFrac, chi2.ColTestFrac:
		if f, ok := cell.Float(); ok {
			return fmt.Sprintf("%.5f", f)
		}
	case chi2.ColChiSq:
		if f, ok := cell.Float(); ok {
			return fmt.Sprintf("%.2f", f)
		}
	}
	return cell.String()
}

// HTML renders the table markup
func HTML(view *TableView) (template.HTML, error) {
	var buf bytes.Buffer
	if err := tableTemplate.ExecuteTemplate(&buf, "chi2_table", view); err != nil {
		return "", fmt.Errorf("render chi2 table: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Status renders a status message shown in place of a table
func Status(status string) template.HTML {
	return template.HTML(`<div class="chi2-status">` + template.HTMLEscapeString(status) + `</div>`)
}

// Stats returns the "stdev.p=…, var.p=…" line carried by the TOTAL row
func Stats(r *chi2.Result) (string, bool) {
	for _, row := range r.Rows {
		if !chi2.IsTotal(row) || len(row) <= chi2.ColDir {
			continue
		}
		stddev, ok1 := row[chi2.ColChiSq].Float()
		variance, ok2 := row[chi2.ColDir].Float()
		if !ok1 || !ok2 {
			return "", false
		}
		return fmt.Sprintf("stdev.p=%.5f, var.p=%.5f", stddev, variance), true
	}
	return "", false
}
