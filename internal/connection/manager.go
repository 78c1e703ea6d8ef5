package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iiagent/coreserver/internal/config"
	"github.com/iiagent/coreserver/internal/eventstore"
	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/observability"
	"github.com/iiagent/coreserver/internal/workspace"
)

// Manager owns the set of live connections, enforces the concurrent
// connection cap, and runs the periodic stale-connection reaper.
type Manager struct {
	store     eventstore.Store
	workspace *workspace.Allocator
	factory   AgentFactory
	log       *observability.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	maxConns int

	mu    sync.Mutex
	conns map[*Connection]struct{}

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewManager builds a Manager. maxConns <= 0 falls back to
// config.Default()'s 500.
func NewManager(store eventstore.Store, alloc *workspace.Allocator, factory AgentFactory, log *observability.Logger, metrics *observability.Metrics, maxConns int) *Manager {
	if maxConns <= 0 {
		maxConns = 500
	}
	m := &Manager{
		store:     store,
		workspace: alloc,
		factory:   factory,
		log:       log,
		metrics:   metrics,
		maxConns:  maxConns,
		conns:     make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go m.runPeriodicCleanup()
	return m
}

// Count reports the number of currently tracked connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ServeWS is the http.HandlerFunc mounted at /ws. It enforces the
// concurrent connection cap, accepts the upgrade, performs the per-session
// accept flow (workspace allocation, session creation, connection_established
// event), and then blocks running the connection's receive loop until it
// exits.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	if m.Count() >= m.maxConns {
		if m.log != nil {
			m.log.Warn(r.Context(), "connection rejected: server overloaded", "active", m.Count(), "max", m.maxConns)
		}
		if m.metrics != nil {
			m.metrics.ConnectionsRejected.Inc()
		}
		// Upgrade first (gorilla has no pre-upgrade rejection path that
		// still speaks the WebSocket close handshake), then immediately
		// close with the "try again later" code.
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server overloaded"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	m.preemptiveHotPathReap()

	params := parseInitParams(r)

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if m.log != nil {
			m.log.Error(r.Context(), "websocket upgrade failed", "error", err.Error())
		}
		return
	}

	c, err := m.accept(r.Context(), conn, params)
	if err != nil {
		// accept() has already attempted to report the error to the
		// client and closed the socket.
		return
	}

	m.add(c)
	defer m.remove(c)

	c.run()
}

func (m *Manager) add(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c] = struct{}{}
	if m.metrics != nil {
		m.metrics.ActiveConnections.Set(float64(len(m.conns)))
		m.metrics.ConnectionsTotal.Inc()
	}
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c)
	if m.metrics != nil {
		m.metrics.ActiveConnections.Set(float64(len(m.conns)))
	}
}

// preemptiveHotPathReap runs on the accept path: once more than
// HotPathConnectionThreshold connections are active, connections
// older than HotPathMaxAge are closed before the new one is admitted.
func (m *Manager) preemptiveHotPathReap() {
	m.mu.Lock()
	if len(m.conns) <= config.HotPathConnectionThreshold {
		m.mu.Unlock()
		return
	}
	var stale []*Connection
	cutoff := time.Now().Add(-config.HotPathMaxAge)
	for c := range m.conns {
		if c.acceptedAt.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.cleanup("Connection idle too long")
	}
}

// runPeriodicCleanup is the 60s reaper: connections that are
// disconnected, older than an hour, or bound to neither an agent nor an
// active query are force-closed. The "no agent and no task" check reaps
// on that condition alone — intentional, if aggressive: a connection that
// only ever sent a ping is indistinguishable from one worth keeping, so
// it gets swept too.
func (m *Manager) runPeriodicCleanup() {
	defer close(m.cleanupDone)
	ticker := time.NewTicker(config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	m.mu.Lock()
	var stale []*Connection
	now := time.Now()
	for c := range m.conns {
		if c.isDisconnected() {
			stale = append(stale, c)
			continue
		}
		if now.Sub(c.acceptedAt) > config.MaxConnectionAge {
			stale = append(stale, c)
			continue
		}
		if !c.hasAgentOrTask() {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.cleanup("Extended inactivity")
	}
}

// Close stops the periodic cleanup loop. It does not forcibly close
// in-flight connections; each ServeWS call returns on its own once its
// socket's receive loop exits.
func (m *Manager) Close() {
	close(m.stopCleanup)
	<-m.cleanupDone
}

// accept runs the per-session accept flow: allocate a workspace, record a
// session, and send connection_established. On failure it reports
// WORKSPACE_CREATION_ERROR and closes the socket.
func (m *Manager) accept(ctx context.Context, conn *websocket.Conn, params InitParams) (*Connection, error) {
	ws, err := m.workspace.Allocate()
	if err != nil {
		writeErrorFrame(conn, fmt.Sprintf("Error creating workspace: %v", err), "WORKSPACE_CREATION_ERROR")
		_ = conn.Close()
		return nil, err
	}

	sessionID, err := m.store.CreateSession(ctx, "", ws.Path, params.DeviceID)
	if err != nil {
		writeErrorFrame(conn, fmt.Sprintf("Error creating workspace: %v", err), "WORKSPACE_CREATION_ERROR")
		_ = conn.Close()
		return nil, err
	}

	c := newConnection(conn, m, ws, sessionID, params)

	active := m.Count() + 1
	_ = conn.WriteJSON(wireFrame{
		Type: models.EventConnectionEstablished,
		Content: map[string]any{
			"message":            "Connected to Agent WebSocket Server",
			"workspace_path":     ws.Path,
			"connection_id":      sessionID,
			"session_uuid":       sessionID,
			"active_connections": active,
			"server_ready":       true,
		},
	})

	return c, nil
}

func parseInitParams(r *http.Request) InitParams {
	q := r.URL.Query()
	return InitParams{
		DeviceID:             q.Get("device_id"),
		UseChutes:            parseBool(q.Get("use_chutes")),
		UseOpenRouter:        parseBool(q.Get("use_openrouter")),
		UseMoonshot:          parseBool(q.Get("use_moonshot")),
		UseNativeToolCalling: parseBool(q.Get("use_native_tool_calling")),
		ModelID:              q.Get("model_id"),
		ProKey:               q.Get("pro_user_key"),
	}
}

func parseBool(v string) bool {
	switch v {
	case "1", "t", "T", "true", "True", "TRUE":
		return true
	default:
		return false
	}
}
