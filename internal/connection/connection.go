package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/iiagent/coreserver/internal/agentruntime"
	"github.com/iiagent/coreserver/internal/config"
	"github.com/iiagent/coreserver/internal/eventrouter"
	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/workspace"
)

// wireFrame is the inbound/outbound wire shape: {type, content}.
type wireFrame struct {
	Type    models.EventType `json:"type"`
	Content map[string]any   `json:"content"`
}

// inboundEnvelope mirrors wireFrame for decoding, keeping Content as a raw
// map[string]any like the client actually sends (no fixed schema beyond
// the handful of fields each event type reads).
type inboundEnvelope struct {
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
}

func writeErrorFrame(conn *websocket.Conn, message, code string) {
	_ = conn.WriteJSON(wireFrame{
		Type:    models.EventError,
		Content: map[string]any{"message": message, "error_code": code},
	})
}

// Connection is a single accepted WebSocket's full lifecycle: the receive
// loop, its heartbeat goroutine, its bound agent (if any), and the event
// router forwarding that agent's output back to the socket. Writes go
// through a plain mutex instead of a buffered channel: they already
// funnel through the event router's single consumer, so a second
// buffering layer here would only delay failure detection.
type Connection struct {
	conn      *websocket.Conn
	manager   *Manager
	sessionID string
	workspace string
	params    InitParams

	acceptedAt time.Time
	limiter    *rate.Limiter

	writeMu sync.Mutex

	mu           sync.Mutex
	agent        *Agent
	router       *eventrouter.Router
	routerCancel context.CancelFunc
	queryCancel  context.CancelFunc
	queryRunning bool
	disconnected bool
}

func newConnection(conn *websocket.Conn, m *Manager, ws *workspace.Workspace, sessionID string, params InitParams) *Connection {
	return &Connection{
		conn:       conn,
		manager:    m,
		sessionID:  sessionID,
		workspace:  ws.Path,
		params:     params,
		acceptedAt: time.Now(),
		limiter:    rate.NewLimiter(rate.Limit(20), 40),
	}
}

// WriteJSON implements eventrouter.Socket.
func (c *Connection) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Connection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Connection) hasAgentOrTask() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent != nil || c.queryRunning
}

// run drives the connection until its receive loop exits, then performs
// cleanup. It is called synchronously from Manager.ServeWS.
func (c *Connection) run() {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go c.heartbeatLoop(heartbeatCtx)

	c.receiveLoop()

	c.cleanup("connection closed")
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.WriteJSON(wireFrame{Type: models.EventHeartbeat, Content: map[string]any{}}); err != nil {
				return
			}
		}
	}
}

func (c *Connection) receiveLoop() {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(config.ReadTimeout))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.disconnected = true
			c.mu.Unlock()
			return
		}

		if !c.limiter.Allow() {
			continue
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			writeErrorFrame(c.conn, "Invalid JSON format", "INVALID_JSON")
			continue
		}

		c.dispatch(context.Background(), env)
	}
}

func (c *Connection) dispatch(ctx context.Context, env inboundEnvelope) {
	switch models.EventType(env.Type) {
	case models.EventInitAgent:
		c.handleInitAgent(ctx, env)
	case models.EventWorkspaceInfoRequest:
		c.handleWorkspaceInfoRequest()
	case models.EventQuery, models.EventUserMessage:
		c.handleQuery(ctx, env)
	case models.EventCancelProcessing:
		c.handleCancel()
	case models.EventPing:
		_ = c.WriteJSON(wireFrame{Type: models.EventPong, Content: map[string]any{}})
	case models.EventTerminalCommand:
		c.handleTerminalCommand(ctx, env)
	default:
		writeErrorFrame(c.conn, fmt.Sprintf("Unknown message type: %s", env.Type), "UNKNOWN_MESSAGE_TYPE")
	}
}

func (c *Connection) handleInitAgent(ctx context.Context, env inboundEnvelope) {
	toolArgs, _ := env.Content["tool_args"].(map[string]any)
	params := c.params
	params.ToolArgs = toolArgs

	agent, router, cancel, err := c.buildAgent(ctx, params)
	if err != nil {
		writeErrorFrame(c.conn, fmt.Sprintf("Error initializing agent: %v", err), "AGENT_INIT_ERROR")
		return
	}

	c.mu.Lock()
	c.discardAgentLocked()
	c.agent = agent
	c.router = router
	c.routerCancel = cancel
	c.mu.Unlock()

	_ = c.WriteJSON(wireFrame{Type: models.EventAgentInitialized, Content: map[string]any{"message": "Agent initialized", "server_ready": true}})
}

func (c *Connection) handleWorkspaceInfoRequest() {
	_ = c.WriteJSON(wireFrame{
		Type: models.EventWorkspaceInfo,
		Content: map[string]any{
			"workspace_path":   c.workspace,
			"session_uuid":     c.sessionID,
			"server_ready":     true,
			"connection_ready": true,
		},
	})
}

func (c *Connection) handleQuery(ctx context.Context, env inboundEnvelope) {
	c.mu.Lock()
	if c.queryRunning {
		c.mu.Unlock()
		writeErrorFrame(c.conn, "A query is already being processed", "QUERY_IN_PROGRESS")
		return
	}

	agent := c.agent
	router := c.router
	routerCancel := c.routerCancel
	c.mu.Unlock()

	if agent == nil {
		toolArgs, _ := env.Content["tool_args"].(map[string]any)
		params := c.params
		params.ToolArgs = toolArgs

		built, builtRouter, builtCancel, err := c.buildAgent(ctx, params)
		if err != nil {
			writeErrorFrame(c.conn, fmt.Sprintf("Error initializing agent: %v", err), "AGENT_INIT_ERROR")
			return
		}
		c.mu.Lock()
		c.agent = built
		c.router = builtRouter
		c.routerCancel = builtCancel
		c.mu.Unlock()
		agent, router, routerCancel = built, builtRouter, builtCancel

		_ = c.WriteJSON(wireFrame{Type: models.EventAgentInitialized, Content: map[string]any{"message": "Agent auto-initialized", "server_ready": true}})
	}

	text, _ := env.Content["text"].(string)
	var files []string
	if rawFiles, ok := env.Content["files"].([]any); ok {
		for _, f := range rawFiles {
			if s, ok := f.(string); ok {
				files = append(files, s)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.queryRunning = true
	c.queryCancel = cancel
	c.mu.Unlock()

	go c.runQuery(runCtx, agent, router, routerCancel, text, files)
}

// runQuery executes one agent turn loop to completion in its own
// goroutine. Tool invocations are not forcibly killed on cancel; only the
// outer run is abandoned once the current step yields.
func (c *Connection) runQuery(ctx context.Context, agent *Agent, router *eventrouter.Router, routerCancel context.CancelFunc, text string, files []string) {
	defer func() {
		c.mu.Lock()
		c.queryRunning = false
		c.queryCancel = nil
		c.mu.Unlock()
	}()

	router.Emit(ctx, models.EventUserMessage, map[string]any{"text": text, "files": files})

	result := agent.Runtime.Run(ctx, text, files)

	// A canceled run already emitted its system notice through the router,
	// which both persists and forwards it; only surface genuine errors.
	if result.Outcome != agentruntime.OutcomeCanceled && result.Err != nil {
		writeErrorFrame(c.conn, fmt.Sprintf("Error running agent: %v", result.Err), "AGENT_RUNTIME_ERROR")
	}
	_ = routerCancel
}

func (c *Connection) handleCancel() {
	c.mu.Lock()
	cancel := c.queryCancel
	running := c.queryRunning
	c.mu.Unlock()

	if running && cancel != nil {
		cancel()
		return
	}
	writeErrorFrame(c.conn, "No active query to cancel", "NO_ACTIVE_QUERY")
}

func (c *Connection) handleTerminalCommand(ctx context.Context, env inboundEnvelope) {
	command, _ := env.Content["command"].(string)
	if command == "" {
		writeErrorFrame(c.conn, "Terminal command is required", "MISSING_COMMAND")
		return
	}

	c.mu.Lock()
	agent := c.agent
	c.mu.Unlock()

	if agent == nil {
		writeErrorFrame(c.conn, "Agent not initialized for terminal commands", "AGENT_NOT_INITIALIZED")
		return
	}

	bashTool, ok := agent.BashTool()
	if !ok {
		writeErrorFrame(c.conn, "Terminal functionality is not available", "BASH_TOOL_UNAVAILABLE")
		return
	}

	outcome, err := bashTool.Invoke(ctx, map[string]any{"command": command})
	if err != nil {
		_ = c.WriteJSON(wireFrame{Type: models.EventTerminalOutput, Content: map[string]any{
			"command": command,
			"output":  fmt.Sprintf("Error: %v", err),
			"success": false,
		}})
		return
	}
	_ = c.WriteJSON(wireFrame{Type: models.EventTerminalOutput, Content: map[string]any{
		"command": command,
		"output":  outcome.Output,
		"success": true,
	}})
}

// buildAgent constructs a fresh Agent plus its bound Router via the
// manager's AgentFactory and starts the router's consuming goroutine.
func (c *Connection) buildAgent(ctx context.Context, params InitParams) (*Agent, *eventrouter.Router, context.CancelFunc, error) {
	router := eventrouter.New(c.manager.store, c.sessionID, c.manager.log, c.manager.metrics)
	router.SetSocket(c)

	routerCtx, cancel := context.WithCancel(context.Background())
	go router.Run(routerCtx)

	agent, err := c.manager.factory.Build(ctx, c.sessionID, c.workspace, params, router)
	if err != nil {
		cancel()
		router.Stop()
		return nil, nil, nil, err
	}
	return agent, router, cancel, nil
}

// discardAgentLocked tears down the connection's currently bound agent (if
// any) before replacing it; re-init discards the old agent. Callers must
// hold c.mu.
func (c *Connection) discardAgentLocked() {
	if c.queryCancel != nil {
		c.queryCancel()
	}
	if c.routerCancel != nil {
		c.routerCancel()
	}
	if c.router != nil {
		c.router.Stop()
	}
	c.agent = nil
	c.router = nil
	c.routerCancel = nil
}

// cleanup cancels any running query, stops the event router, drops the
// agent reference, and attempts a polite close, ignoring errors from an
// already-closed socket.
func (c *Connection) cleanup(reason string) {
	c.mu.Lock()
	c.discardAgentLocked()
	c.disconnected = true
	c.mu.Unlock()

	c.closeWithCode(websocket.CloseGoingAway, reason)
}

func (c *Connection) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
