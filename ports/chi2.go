package ports

import (
	"context"

	"chinotype/domain/chi2"
)

// Backend is the transport to the chi2 statistical backend. Post never
// blocks; the reply arrives on the returned channel exactly once. Callers
// keep at most one request outstanding.
type Backend interface {
	Post(ctx context.Context, params chi2.Params) <-chan chi2.Reply
}

// BackendFunc adapts a synchronous function to Backend
type BackendFunc func(ctx context.Context, params chi2.Params) chi2.Reply

// Post runs f in a goroutine and delivers its reply
func (f BackendFunc) Post(ctx context.Context, params chi2.Params) <-chan chi2.Reply {
	ch := make(chan chi2.Reply, 1)
	go func() {
		ch <- f(ctx, params)
	}()
	return ch
}

// Session exposes the host platform's current credentials
type Session interface {
	User() string
	Password() string
}

// StaticSession is a fixed user/password pair
type StaticSession struct {
	Username string
	Secret   string
}

func (s StaticSession) User() string     { return s.Username }
func (s StaticSession) Password() string { return s.Secret }
