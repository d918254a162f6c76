// ABOUTME: Per-connection map of in-flight request ids to their cancel functions
// ABOUTME: Request contexts derive from the connection's, so closing it cancels only its own entries

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// Inflight tracks the requests currently executing on one connection.
type Inflight struct {
	mu    sync.Mutex
	calls map[string]context.CancelFunc
}

// NewInflight creates an empty tracker.
func NewInflight() *Inflight {
	return &Inflight{calls: make(map[string]context.CancelFunc)}
}

func inflightKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

// add registers id. It fails if the same id is already executing.
func (f *Inflight) add(id json.RawMessage, cancel context.CancelFunc) (string, bool) {
	k := inflightKey(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.calls[k]; dup {
		return k, false
	}
	f.calls[k] = cancel
	return k, true
}

func (f *Inflight) remove(k string) {
	f.mu.Lock()
	delete(f.calls, k)
	f.mu.Unlock()
}

// Cancel cancels the in-flight request with the given id.
func (f *Inflight) Cancel(id json.RawMessage) bool {
	f.mu.Lock()
	cancel, ok := f.calls[inflightKey(id)]
	f.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len returns the number of in-flight requests.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type inflightCtxKey struct{}

// WithInflight attaches a connection's tracker to ctx.
func WithInflight(ctx context.Context, f *Inflight) context.Context {
	return context.WithValue(ctx, inflightCtxKey{}, f)
}

// InflightFrom returns the connection tracker attached to ctx, if any.
func InflightFrom(ctx context.Context) (*Inflight, bool) {
	f, ok := ctx.Value(inflightCtxKey{}).(*Inflight)
	return f, ok && f != nil
}
