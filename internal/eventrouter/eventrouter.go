// Package eventrouter implements the per-agent event router: a
// consumer that persists every emitted event to the Event Store and
// forwards it to the bound WebSocket socket, in the order it was produced.
package eventrouter

import (
	"context"
	"sync"
	"time"

	"github.com/iiagent/coreserver/internal/backoff"
	"github.com/iiagent/coreserver/internal/eventstore"
	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/observability"
)

// persistAttempts bounds the short retry around a failed event write; the
// store is local, so anything beyond a couple of quick retries means it is
// down and the event is logged and dropped from the durable stream.
const persistAttempts = 3

// persistPolicy keeps the persist retry fast enough that a failing store
// cannot stall the single consumer for more than a few hundred ms per
// event.
var persistPolicy = backoff.BackoffPolicy{InitialMs: 50, MaxMs: 200, Factor: 2}

// Socket is the narrow surface the router needs from a connection's
// transport: encode v as JSON and send it. Implemented by
// internal/connection's Connection; a scripted fake satisfies it in tests.
type Socket interface {
	WriteJSON(v any) error
}

// frame is the wire shape written to the socket: {type, content}.
type frame struct {
	Type    models.EventType `json:"type"`
	Content map[string]any   `json:"content"`
}

type queued struct {
	eventType models.EventType
	payload   map[string]any
}

// Router is the per-agent event queue plus its single consuming worker.
// The queue is logically unbounded: Emit never blocks the caller (the
// agent's turn loop) on a slow socket. It is built from a plain slice guarded by a mutex and
// a condition variable rather than a buffered channel, since channels in
// this runtime cannot be resized once created.
type Router struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []queued
	closed  bool

	socket    Socket
	sessionID string

	store   eventstore.Store
	log     *observability.Logger
	metrics *observability.Metrics

	stopped chan struct{}
}

// New builds a Router bound to sessionID. Call Run in its own goroutine to
// start the consuming worker before the first Emit.
func New(store eventstore.Store, sessionID string, log *observability.Logger, metrics *observability.Metrics) *Router {
	r := &Router{
		store:     store,
		sessionID: sessionID,
		log:       log,
		metrics:   metrics,
		stopped:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetSocket binds (or rebinds) the socket events are forwarded to.
func (r *Router) SetSocket(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.socket = s
}

// ClearSocket unbinds the socket. Events continue to be persisted but are
// no longer forwarded.
func (r *Router) ClearSocket() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.socket = nil
}

// SocketBound reports whether a socket is currently bound.
func (r *Router) SocketBound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socket != nil
}

// Emit enqueues an event for persistence and forwarding. It never blocks
// on I/O; it only acquires the queue mutex briefly to append.
func (r *Router) Emit(ctx context.Context, eventType models.EventType, payload map[string]any) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, queued{eventType: eventType, payload: payload})
	r.mu.Unlock()
	r.cond.Signal()
}

// Run drives the single consuming worker until ctx is canceled or Stop is
// called. It must run in exactly one goroutine per Router, which is what
// guarantees per-session event ordering.
func (r *Router) Run(ctx context.Context) {
	defer close(r.stopped)

	// Mark the router closed and wake the worker once ctx is canceled, so
	// cancellation is observed even with an empty queue and no new Emit
	// calls.
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cond.Broadcast()
	}()

	for {
		r.mu.Lock()
		for len(r.pending) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.pending) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		item := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		r.process(ctx, item)
	}
}

// Stop signals the worker to drain whatever is already queued and then
// terminate; used by the connection manager's cleanup path once an
// agent's socket and owning connection are already gone. It blocks until
// the worker has exited.
func (r *Router) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	<-r.stopped
}

func (r *Router) process(ctx context.Context, item queued) {
	persistCtx := ctx
	if persistCtx.Err() != nil {
		// Still persist best-effort even after cancellation, using a fresh
		// short-lived context, so the final system/agent_response event of
		// a canceled run is not silently lost.
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if r.store != nil {
		res, err := backoff.RetryWithBackoff(persistCtx, persistPolicy, persistAttempts, func(int) (string, error) {
			return r.store.SaveEvent(persistCtx, r.sessionID, item.eventType, item.payload)
		})
		if err != nil {
			if res.LastError != nil {
				err = res.LastError
			}
			if r.metrics != nil {
				r.metrics.EventsPersistFailedTotal.Inc()
			}
			if r.log != nil {
				r.log.Error(persistCtx, "eventrouter: failed to persist event",
					"session_id", r.sessionID, "event_type", string(item.eventType), "error", err.Error())
			}
		} else if r.metrics != nil {
			r.metrics.EventsPersistedTotal.WithLabelValues(string(item.eventType)).Inc()
		}
	}

	if item.eventType == models.EventUserMessage {
		return
	}

	r.mu.Lock()
	socket := r.socket
	r.mu.Unlock()
	if socket == nil {
		return
	}

	if err := socket.WriteJSON(frame{Type: item.eventType, Content: item.payload}); err != nil {
		if r.log != nil {
			r.log.Warn(ctx, "eventrouter: send failed, clearing socket",
				"session_id", r.sessionID, "event_type", string(item.eventType), "error", err.Error())
		}
		r.ClearSocket()
	}
}
