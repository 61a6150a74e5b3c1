package render

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"chinotype/domain/chi2"
)

var testCols = []string{"PREFIX", "CCD", "NAME", "V1", "F1", "V2", "F2", "CHISQ", "DIR"}

func sampleResult() *chi2.Result {
	return &chi2.Result{
		Cols: testCols,
		Rows: [][]chi2.Cell{
			{chi2.Str(""), chi2.Str("TOTAL"), chi2.Str("All"), chi2.Num(100), chi2.Num(1), chi2.Num(50), chi2.Num(1), chi2.Num(1.25), chi2.Num(1.5625)},
			{chi2.Str("ICD9"), chi2.Str("ICD9:250"), chi2.Str("Diabetes, type 2"), chi2.Num(10), chi2.Num(0.1), chi2.Num(20), chi2.Num(0.4), chi2.Num(3.14159), chi2.Num(1)},
			{chi2.Str("ICD9"), chi2.Str("ICD9:401"), chi2.Null, chi2.Num(30), chi2.Num(0.3), chi2.Num(5), chi2.Num(0.1), chi2.Num(2), chi2.Num(-1)},
			{chi2.Str("ICD9"), chi2.Str("ICD9:414"), chi2.Str(`Say "hi"`), chi2.Num(20), chi2.Num(0.2), chi2.Num(2), chi2.Num(0.04), chi2.Num(1), chi2.Num(-1)},
		},
	}
}

func TestNormalizeColumnName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ref_123", "REF_123"},
		{"my cohort--A", "MY_COHORT_A"},
		{"a  b", "A_B"},
		{"x!", "X_"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeColumnName(tt.in), tt.in)
	}
}

func TestHeaders_RenamesCohortColumns(t *testing.T) {
	h := Headers(testCols, Names{Ref: "ref 1", Test: "cases"})
	assert.Equal(t, []string{"PREFIX", "CCD", "NAME", "REF_1", "FRC_REF_1", "CASES", "FRC_CASES", "CHISQ", "DIR"}, h)
	assert.Equal(t, "V1", testCols[3], "input must not be modified")
}

func TestBuildTable(t *testing.T) {
	view := BuildTable(sampleResult(), Names{Ref: "a", Test: "b"})

	assert.Equal(t, []string{"CCD", "NAME", "A", "FRC_A", "B", "FRC_B", "CHISQ", "DIR"}, view.Headers)
	assert.Equal(t, 8, view.Columns())
	require.Len(t, view.Rows, 5)

	total := view.Rows[0]
	assert.True(t, total.Total)
	assert.Equal(t, []string{"", "", "100", "", "50", "", "", ""}, total.Cells)

	assert.Equal(t, []string{"ICD9:250", "Diabetes, type 2", "10", "0.10000", "20", "0.40000", "3.14", "1"}, view.Rows[1].Cells)
	assert.True(t, view.Rows[2].Separator)
	assert.Equal(t, "", view.Rows[3].Cells[1], "null renders empty")
	assert.False(t, view.Rows[4].Separator)
}

func TestBuildTable_NoUnderRepresentedRowsNoSeparator(t *testing.T) {
	r := sampleResult()
	r.Rows = r.Rows[:2]
	for _, row := range BuildTable(r, Names{}).Rows {
		assert.False(t, row.Separator)
	}
}

func TestHTML(t *testing.T) {
	html, err := HTML(BuildTable(sampleResult(), Names{Ref: "a", Test: "b"}))
	require.NoError(t, err)

	s := string(html)
	assert.Contains(t, s, `<th>FRC_A</th>`)
	assert.NotContains(t, s, `<th>PREFIX</th>`)
	assert.Equal(t, 1, strings.Count(s, `class="chi2-separator"`))
	assert.Contains(t, s, `colspan="8"`)
	assert.Contains(t, s, `class="chi2-total"`)
	assert.Contains(t, s, `Say &#34;hi&#34;`)
}

func TestStats(t *testing.T) {
	line, ok := Stats(sampleResult())
	require.True(t, ok)
	assert.Equal(t, "stdev.p=1.25000, var.p=1.56250", line)

	_, ok = Stats(&chi2.Result{Cols: testCols})
	assert.False(t, ok)
}

func TestWriteCSV(t *testing.T) {
	out := CSV(sampleResult(), Names{Ref: "a", Test: "b"})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 5)

	assert.Equal(t, `"PREFIX","CCD","NAME","A","FRC_A","B","FRC_B","CHISQ","DIR"`, lines[0])
	assert.Equal(t, `"","TOTAL","All",100,1,50,1,1.25,1.5625`, lines[1])
	assert.Equal(t, `"ICD9","ICD9:250","Diabetes, type 2",10,0.1,20,0.4,3.14159,1`, lines[2])
	assert.Equal(t, `"ICD9","ICD9:401",,30,0.3,5,0.1,2,-1`, lines[3])
	assert.Equal(t, `"ICD9","ICD9:414","Say ""hi""",20,0.2,2,0.04,1,-1`, lines[4])
	assert.NotContains(t, out, "\r")
}

func TestCSVFilename(t *testing.T) {
	assert.Equal(t, "chi2_REF_1_TEST_2.csv", CSVFilename(Names{Ref: "REF_1", Test: "test 2"}))
	assert.Equal(t, "chi2_REF_1_TEST_2.xlsx", XLSXFilename(Names{Ref: "REF_1", Test: "test 2"}))
}

func TestCSVFilename_TrimsEdgeSeparators(t *testing.T) {
	names := Names{Ref: "  ref--set 1 ", Test: "(cases)"}
	assert.Equal(t, "_REF_SET_1_", NormalizeColumnName(names.Ref))
	assert.Equal(t, "chi2_REF_SET_1_CASES.csv", CSVFilename(names))
	assert.Equal(t, "chi2_REF_SET_1_CASES.xlsx", XLSXFilename(names))
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleResult(), Names{Ref: "a", Test: "b"}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "FRC_A", rows[0][4])
	assert.Equal(t, "ICD9:250", rows[2][1])
	assert.Equal(t, "10", rows[2][3])
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, BuildTable(sampleResult(), Names{})))
	out := buf.String()
	assert.Contains(t, out, "CCD")
	assert.Contains(t, out, "\n...\n")
}

func TestConceptOptions(t *testing.T) {
	opts := ConceptOptions([]chi2.Prefix{{Code: "ICD9", Description: "Diagnoses"}, {Code: "LOINC:"}})
	require.Len(t, opts, 3)
	assert.Equal(t, Option{Value: "ALL", Label: "ALL"}, opts[0])
	assert.Equal(t, Option{Value: "ICD9:", Label: "ICD9: Diagnoses"}, opts[1])
	assert.Equal(t, "LOINC:", opts[2].Value)
}

// csv.Reader accepts exactly what a spreadsheet would, so feeding it the
// export checks the quoting without restating the rules.
func TestWriteCSV_ReadableByStandardParser(t *testing.T) {
	r := csv.NewReader(strings.NewReader(CSV(sampleResult(), Names{})))
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, `Say "hi"`, records[4][2])
	assert.Equal(t, "Diabetes, type 2", records[2][2])
}
