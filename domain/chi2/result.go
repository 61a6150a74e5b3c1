// Package chi2 holds the wire contract between the chi2 plugin and the
// statistical backend: request parameters, the result table and the fixed
// column positions both sides rely on.
package chi2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Column positions. These are shared with the backend byte-for-byte.
const (
	ColPrefix    = 0
	ColCode      = 1
	ColName      = 2
	ColRefCount  = 3
	ColRefFrac   = 4
	ColTestCount = 5
	ColTestFrac  = 6
	ColChiSq     = 7
	ColDir       = 8
)

// TotalCode marks the row carrying cohort sizes and chi-square spread
const TotalCode = "TOTAL"

// UnderRepresented is the direction sentinel in the last column
const UnderRepresented = -1

// Statuses emitted by the backend
const (
	StatusDone          = "Done, chi success!"
	StatusIdenticalSets = "Job canceled, identical patient sets"
	NoDataPrefix        = "No data for PSID"
)

// NoDataStatus is the status for a patient set with nothing to compare
func NoDataStatus(psid string) string {
	return fmt.Sprintf("%s %s", NoDataPrefix, psid)
}

// IsNoData reports whether status is the backend's "no data for this
// selection" answer
func IsNoData(status string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(status)), strings.ToLower(NoDataPrefix))
}

// Result is the table returned by the backend
type Result struct {
	Status   string   `json:"status"`
	Cols     []string `json:"cols"`
	Rows     [][]Cell `json:"rows"`
	Prefixes []Prefix `json:"prefixes"`
}

// Decode parses a backend response body
func Decode(body []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode chi2 result: %w", err)
	}
	return &r, nil
}

// IsTotal reports whether row is the TOTAL row
func IsTotal(row []Cell) bool {
	return len(row) > ColCode && row[ColCode].String() == TotalCode
}

// Prefix is a concept-category code and its description
type Prefix struct {
	Code        string
	Description string
}

// UnmarshalJSON reads the ["CODE","Description"] pair form
func (p *Prefix) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("prefix: %w", err)
	}
	if len(pair) == 0 {
		return fmt.Errorf("prefix: empty pair")
	}
	p.Code = pair[0]
	if len(pair) > 1 {
		p.Description = pair[1]
	}
	return nil
}

// MarshalJSON writes the pair form
func (p Prefix) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{p.Code, p.Description})
}

type cellKind uint8

const (
	cellNull cellKind = iota
	cellString
	cellNumber
)

// Cell is one table value: a string, a number or null
type Cell struct {
	kind cellKind
	str  string
	num  float64
}

// Null is the missing value
var Null = Cell{}

// Str builds a string cell
func Str(s string) Cell { return Cell{kind: cellString, str: s} }

// Num builds a numeric cell
func Num(f float64) Cell { return Cell{kind: cellNumber, num: f} }

func (c Cell) IsNull() bool   { return c.kind == cellNull }
func (c Cell) IsNumber() bool { return c.kind == cellNumber }

// Float returns the numeric value; strings holding numbers are parsed
func (c Cell) Float() (float64, bool) {
	switch c.kind {
	case cellNumber:
		return c.num, true
	case cellString:
		f, err := strconv.ParseFloat(strings.TrimSpace(c.str), 64)
		return f, err == nil
	}
	return 0, false
}

// String renders the cell in its shortest form; null is empty
func (c Cell) String() string {
	switch c.kind {
	case cellString:
		return c.str
	case cellNumber:
		return strconv.FormatFloat(c.num, 'f', -1, 64)
	}
	return ""
}

func (c *Cell) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*c = Null
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Str(s)
	default:
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("cell %s: %w", b, err)
		}
		*c = Num(f)
	}
	return nil
}

func (c Cell) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case cellString:
		return json.Marshal(c.str)
	case cellNumber:
		return json.Marshal(c.num)
	}
	return []byte("null"), nil
}
