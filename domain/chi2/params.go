package chi2

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BackendName identifies the statistical routine on the backend
const BackendName = "chi2"

// All is the sentinel for an unbounded page size or unfiltered concepts
const All = "ALL"

// UnsetPatientSet is sent for an empty selection slot
const UnsetPatientSet = "0"

// Request parameter keys
const (
	KeyBackend     = "backend"
	KeyPatientSet1 = "patient_set_1"
	KeyPatientSet2 = "patient_set_2"
	KeyPageSize    = "pgsize"
	KeyCutoff      = "cutoff"
	KeyConcepts    = "concepts"
	KeyExtant      = "extant"
	KeyUsername    = "username"
	KeyPassword    = "password"
)

// Params is one request to the chi2 backend
type Params struct {
	Backend     string
	PatientSet1 string
	PatientSet2 string
	// PageSize is the number of ranked concepts per direction; 0 means All.
	PageSize int
	Cutoff   int
	Concepts string
	Extant   bool
	Username string
	Password string
}

// PageSizeParam renders pgsize, using the All sentinel for 0
func (p Params) PageSizeParam() string {
	if p.PageSize <= 0 {
		return All
	}
	return strconv.Itoa(p.PageSize)
}

// Form encodes the params for a form POST
func (p Params) Form() url.Values {
	v := url.Values{}
	backend := p.Backend
	if backend == "" {
		backend = BackendName
	}
	v.Set(KeyBackend, backend)
	v.Set(KeyPatientSet1, orUnset(p.PatientSet1))
	v.Set(KeyPatientSet2, orUnset(p.PatientSet2))
	v.Set(KeyPageSize, p.PageSizeParam())
	v.Set(KeyCutoff, strconv.Itoa(p.Cutoff))
	concepts := p.Concepts
	if concepts == "" {
		concepts = All
	}
	v.Set(KeyConcepts, concepts)
	extant := "0"
	if p.Extant {
		extant = "1"
	}
	v.Set(KeyExtant, extant)
	v.Set(KeyUsername, p.Username)
	v.Set(KeyPassword, p.Password)
	return v
}

// Redacted returns the form without the password, for logging
func (p Params) Redacted() url.Values {
	v := p.Form()
	v.Del(KeyPassword)
	return v
}

func orUnset(id string) string {
	if strings.TrimSpace(id) == "" {
		return UnsetPatientSet
	}
	return id
}

// ParamError names the offending parameter of a malformed request
type ParamError struct {
	Key    string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%q: %s", e.Key, e.Reason)
}

// ParseForm decodes and checks a request form. username, password, pgsize
// and both patient sets are mandatory; cutoff, concepts and extant are
// optional. Unknown keys are ignored.
func ParseForm(form url.Values) (Params, error) {
	var p Params
	var err error

	for _, key := range []string{KeyUsername, KeyPassword, KeyPageSize, KeyPatientSet1, KeyPatientSet2} {
		if _, ok := form[key]; !ok {
			return p, &ParamError{Key: key, Reason: "missing"}
		}
	}

	p.Backend = form.Get(KeyBackend)
	p.Username = form.Get(KeyUsername)
	p.Password = form.Get(KeyPassword)

	if p.PageSize, err = parsePageSize(form.Get(KeyPageSize)); err != nil {
		return p, err
	}
	if p.PatientSet1, err = parseSetID(KeyPatientSet1, form.Get(KeyPatientSet1)); err != nil {
		return p, err
	}
	if p.PatientSet2, err = parseSetID(KeyPatientSet2, form.Get(KeyPatientSet2)); err != nil {
		return p, err
	}

	if raw := form.Get(KeyCutoff); raw != "" {
		cutoff, convErr := strconv.Atoi(raw)
		if convErr != nil || cutoff < 0 {
			return p, &ParamError{Key: KeyCutoff, Reason: fmt.Sprintf("invalid integer %q", raw)}
		}
		p.Cutoff = cutoff
	}

	p.Concepts = form.Get(KeyConcepts)
	if p.Concepts == "" {
		p.Concepts = All
	}

	switch form.Get(KeyExtant) {
	case "", "0":
	case "1":
		p.Extant = true
	default:
		return p, &ParamError{Key: KeyExtant, Reason: fmt.Sprintf("expected 0 or 1, got %q", form.Get(KeyExtant))}
	}

	return p, nil
}

func parsePageSize(raw string) (int, error) {
	if strings.EqualFold(raw, All) {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ParamError{Key: KeyPageSize, Reason: fmt.Sprintf("invalid page size %q", raw)}
	}
	return n, nil
}

func parseSetID(key, raw string) (string, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return "", &ParamError{Key: key, Reason: fmt.Sprintf("invalid literal for int: %q", raw)}
	}
	return strconv.FormatInt(n, 10), nil
}

// Reply is the outcome of one backend POST
type Reply struct {
	Result *Result
	// Raw is the response body; on failure it is shown verbatim.
	Raw string
	Err error
}

// OK reports a successful, decoded reply
func (r Reply) OK() bool {
	return r.Err == nil && r.Result != nil
}
