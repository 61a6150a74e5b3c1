package ui

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chinotype/domain/chi2"
	"chinotype/internal/controller"
	"chinotype/internal/dropzone"
	"chinotype/internal/events"
	"chinotype/internal/tool"
	"chinotype/ports"
)

// View is one loaded plugin instance. Every event on it runs under mu, in
// arrival order.
type View struct {
	ID string

	mu    sync.Mutex
	board *dropzone.Board
	ctrl  *controller.Controller
	tool  *tool.Tool
	tab   string

	ctx    context.Context
	cancel context.CancelFunc
	// inflight counts awaited reply channels; guarded by mu, idle is
	// signalled when it drops to zero.
	inflight int
	idle     *sync.Cond
	hub      *events.Hub
	log      zerolog.Logger
}

func newView(id string, backend ports.Backend, session ports.Session, defaults controller.Defaults, hub *events.Hub, log *zerolog.Logger) *View {
	ctx, cancel := context.WithCancel(context.Background())
	viewLog := log.With().Str("view", id).Logger()

	t := tool.New(backend, session, &viewLog)
	ctrl := controller.New(t, defaults, &viewLog)
	board := dropzone.NewBoard()
	ctrl.Attach(board)

	v := &View{
		ID:     id,
		board:  board,
		ctrl:   ctrl,
		tool:   t,
		tab:    controller.TabSpecify,
		ctx:    ctx,
		cancel: cancel,
		hub:    hub,
		log:    viewLog,
	}
	v.idle = sync.NewCond(&v.mu)
	return v
}

// Do runs fn under the view lock. A reply channel returned by fn is
// awaited in the background and delivered under the lock.
func (v *View) Do(fn func(ctx context.Context, ctrl *controller.Controller) (<-chan chi2.Reply, error)) error {
	v.mu.Lock()
	ch, err := fn(v.ctx, v.ctrl)
	if err == nil && ch != nil {
		v.inflight++
	}
	v.mu.Unlock()
	if err != nil {
		return err
	}
	if ch != nil {
		go v.await(ch)
	}
	return nil
}

// await delivers replies until the controller stops asking for more. The
// caller has already counted ch in inflight.
func (v *View) await(ch <-chan chi2.Reply) {
	defer func() {
		v.mu.Lock()
		v.inflight--
		if v.inflight == 0 {
			v.idle.Broadcast()
		}
		v.mu.Unlock()
	}()

	for ch != nil {
		var reply chi2.Reply
		select {
		case reply = <-ch:
		case <-v.ctx.Done():
			return
		}
		v.mu.Lock()
		ch = v.ctrl.Deliver(v.ctx, reply)
		phase := v.ctrl.State().Phase.String()
		v.mu.Unlock()
		v.hub.Publish(events.Event{View: v.ID, Type: events.TypeReply, Phase: phase})
	}
}

// Wait blocks until no reply is outstanding
func (v *View) Wait() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for v.inflight > 0 {
		v.idle.Wait()
	}
}

// Close abandons any outstanding reply
func (v *View) Close() {
	v.cancel()
}

// Registry holds the loaded views by id
type Registry struct {
	mu       sync.RWMutex
	views    map[string]*View
	backend  ports.Backend
	defaults controller.Defaults
	hub      *events.Hub
	log      *zerolog.Logger
}

// NewRegistry creates an empty registry whose views post to backend
func NewRegistry(backend ports.Backend, defaults controller.Defaults, log *zerolog.Logger) *Registry {
	return &Registry{
		views:    make(map[string]*View),
		backend:  backend,
		defaults: defaults,
		hub:      events.NewHub(log),
		log:      log,
	}
}

// Create loads a new view acting as session's user
func (r *Registry) Create(session ports.Session) *View {
	v := newView(uuid.NewString(), r.backend, session, r.defaults, r.hub, r.log)
	r.mu.Lock()
	r.views[v.ID] = v
	r.mu.Unlock()
	r.log.Info().Str("view", v.ID).Str("user", session.User()).Msg("plugin view loaded")
	return v
}

func (r *Registry) Get(id string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[id]
	return v, ok
}

// Remove unloads a view
func (r *Registry) Remove(id string) (*View, bool) {
	r.mu.Lock()
	v, ok := r.views[id]
	delete(r.views, id)
	r.mu.Unlock()
	if ok {
		v.Close()
		r.hub.Close(id)
		r.log.Info().Str("view", id).Msg("plugin view unloaded")
	}
	return v, ok
}

// Events is the hub streaming view changes to pages
func (r *Registry) Events() *events.Hub {
	return r.hub
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}
