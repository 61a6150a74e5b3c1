// Package cohort holds the items a researcher can drag onto the chi2 tool:
// patient sets, concepts and saved query masters.
package cohort

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a draggable item type
type Kind int

const (
	KindPatientSet Kind = iota
	KindConcept
	KindQueryMaster
)

// Wire names used by the host platform's drag-and-drop framework
const (
	wirePatientSet  = "PRS"
	wireConcept     = "CONCPT"
	wireQueryMaster = "QM"
)

func (k Kind) String() string {
	switch k {
	case KindPatientSet:
		return wirePatientSet
	case KindConcept:
		return wireConcept
	case KindQueryMaster:
		return wireQueryMaster
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a wire name to a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case wirePatientSet:
		return KindPatientSet, nil
	case wireConcept:
		return KindConcept, nil
	case wireQueryMaster:
		return KindQueryMaster, nil
	}
	return 0, fmt.Errorf("unknown item kind %q", s)
}

// Item is a dropped item. The set of implementations is closed.
type Item interface {
	Kind() Kind
	DisplayName() string
	// Key is the opaque identifier sent to the backend.
	Key() string
	sealed()
}

// PatientSet is a server-side cohort referenced by its result instance id
type PatientSet struct {
	Name string
	ID   string
}

func (p PatientSet) Kind() Kind          { return KindPatientSet }
func (p PatientSet) DisplayName() string { return p.Name }
func (p PatientSet) Key() string         { return p.ID }
func (PatientSet) sealed()               {}

// Concept is an ontology node dragged from the concept browser
type Concept struct {
	Name string
	// Path is the ontology key, e.g. \\i2b2\i2b2\Diagnoses\...
	Path string
}

func (c Concept) Kind() Kind          { return KindConcept }
func (c Concept) DisplayName() string { return c.Name }
func (c Concept) Key() string         { return c.Path }
func (Concept) sealed()               {}

// QueryMaster is a saved query definition
type QueryMaster struct {
	Name string
	ID   string
}

func (q QueryMaster) Kind() Kind          { return KindQueryMaster }
func (q QueryMaster) DisplayName() string { return q.Name }
func (q QueryMaster) Key() string         { return q.ID }
func (QueryMaster) sealed()               {}

// New builds an item of the given kind
func New(kind Kind, name, key string) (Item, error) {
	switch kind {
	case KindPatientSet:
		return PatientSet{Name: name, ID: key}, nil
	case KindConcept:
		return Concept{Name: name, Path: key}, nil
	case KindQueryMaster:
		return QueryMaster{Name: name, ID: key}, nil
	}
	return nil, fmt.Errorf("unknown item kind %d", int(kind))
}

// wireItem is the JSON shape the host page posts for one dropped item
type wireItem struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// DecodeDrop parses the JSON list of items carried by a drop event
func DecodeDrop(data []byte) ([]Item, error) {
	var raw []wireItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode dropped items: %w", err)
	}
	items := make([]Item, 0, len(raw))
	for i, w := range raw {
		kind, err := ParseKind(w.Kind)
		if err != nil {
			return nil, fmt.Errorf("dropped item %d: %w", i, err)
		}
		item, err := New(kind, w.Name, w.Key)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// EncodeDrop is the inverse of DecodeDrop
func EncodeDrop(items []Item) ([]byte, error) {
	raw := make([]wireItem, len(items))
	for i, item := range items {
		raw[i] = wireItem{Kind: item.Kind().String(), Name: item.DisplayName(), Key: item.Key()}
	}
	return json.Marshal(raw)
}
