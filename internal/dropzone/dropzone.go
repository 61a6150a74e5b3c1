// Package dropzone turns container elements of the plugin page into drop
// targets for one kind of draggable item.
package dropzone

import (
	"sort"
	"strings"
	"sync"
	"time"

	"chinotype/domain/cohort"
	"chinotype/internal/errors"
)

// Container background colours
const (
	IdleBackground  = "#DEEBEF"
	FlashBackground = "#CFB"
)

// FlashDuration is how long a container stays highlighted after a drop
const FlashDuration = 250 * time.Millisecond

// Sink is notified of accepted drops
type Sink interface {
	DropNotify(item cohort.Item, slot int, kind cohort.Kind) bool
}

// Target is a container registered as a drop target
type Target struct {
	id    string
	slot  int
	kind  cohort.Kind
	sink  Sink
	now   func() time.Time
	label string

	flashUntil time.Time
}

// Attach registers container id on the board as a target for kind, bound
// to slot of sink
func Attach(board *Board, id string, slot int, kind cohort.Kind, sink Sink) *Target {
	t := &Target{
		id:   id,
		slot: slot,
		kind: kind,
		sink: sink,
		now:  board.now,
	}
	board.register(t)
	return t
}

func (t *Target) ID() string        { return t.id }
func (t *Target) Slot() int         { return t.slot }
func (t *Target) Kind() cohort.Kind { return t.kind }

// Label is the text currently shown in the container
func (t *Target) Label() string { return t.label }

// CleanLabel drops a trailing "[date]..." annotation, so
// "blah [2-1-2012]..." becomes "blah "
func (t *Target) CleanLabel() string {
	return strings.SplitN(t.label, "[", 2)[0]
}

// Background is the container colour at the current time
func (t *Target) Background() string {
	if t.now().Before(t.flashUntil) {
		return FlashBackground
	}
	return IdleBackground
}

// Dropped handles a drop carrying items; only the first item is used
func (t *Target) Dropped(items []cohort.Item) {
	if len(items) == 0 {
		return
	}
	item := items[0]
	t.label = DisplayName(item)
	t.flashUntil = t.now().Add(FlashDuration)
	t.sink.DropNotify(item, t.slot, t.kind)
}

// MakeItem builds an item of this target's kind
func (t *Target) MakeItem(name, key string) cohort.Item {
	item, err := cohort.New(t.kind, name, key)
	if err != nil {
		// only reachable with a Kind outside the declared constants
		panic(err)
	}
	return item
}

// Board is the host side of drag and drop: it knows which containers
// accept which kinds and only delivers matching drops.
type Board struct {
	mu      sync.RWMutex
	targets map[string]*Target
	now     func() time.Time
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return NewBoardWithClock(time.Now)
}

// NewBoardWithClock creates a board whose targets read time from now
func NewBoardWithClock(now func() time.Time) *Board {
	return &Board{
		targets: make(map[string]*Target),
		now:     now,
	}
}

func (b *Board) register(t *Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[t.id] = t
}

// Target returns the target attached as id
func (b *Board) Target(id string) (*Target, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.targets[id]
	return t, ok
}

// Targets returns all attached targets ordered by slot
func (b *Board) Targets() []*Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// Dispatch delivers a drop on container id. Drops of the wrong kind are
// rejected here and never reach the target.
func (b *Board) Dispatch(id string, items []cohort.Item) (*Target, error) {
	t, ok := b.Target(id)
	if !ok {
		return nil, errors.NotFound("drop target " + id)
	}
	if len(items) == 0 {
		return nil, errors.ValidationError("drop carried no items")
	}
	if items[0].Kind() != t.kind {
		return nil, errors.ValidationError("cannot drop " + items[0].Kind().String() + " on a " + t.kind.String() + " target")
	}
	t.Dropped(items)
	return t, nil
}

// DisplayName is the name the item is shown under
func DisplayName(item cohort.Item) string { return item.DisplayName() }

// PatientSetID is the patient set identifier sent to the backend
func PatientSetID(item cohort.Item) string { return item.Key() }

// ConceptKey is the ontology key of a concept
func ConceptKey(item cohort.Item) string { return item.Key() }

// QueryMasterID is the id of a saved query
func QueryMasterID(item cohort.Item) string { return item.Key() }
