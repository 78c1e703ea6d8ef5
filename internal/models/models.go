// Package models holds the shared data shapes that flow between the core
// components: sessions, events, message history blocks, and tool calls.
package models

import "time"

// Session is a single agent conversation's durable identity: its workspace
// directory, the device that opened it, and an optional summary set later.
type Session struct {
	ID           string
	WorkspaceDir string
	DeviceID     string
	CreatedAt    time.Time
	Summary      string
}

// SessionWithPreview augments a Session with the first user message text,
// as returned by ListSessionsByDevice.
type SessionWithPreview struct {
	Session
	FirstMessage string
}

// EventType is the closed set of event kinds exchanged over the WebSocket
// protocol and persisted to the event store. Values are the literal wire
// strings used in both directions.
type EventType string

const (
	// Inbound (client -> server)
	EventInitAgent            EventType = "init_agent"
	EventQuery                EventType = "query"
	EventUserMessage          EventType = "user_message"
	EventCancelProcessing     EventType = "cancel_processing"
	EventWorkspaceInfoRequest EventType = "workspace_info_request"
	EventPing                 EventType = "ping"
	EventTerminalCommand      EventType = "terminal_command"

	// Outbound (server -> client)
	EventConnectionEstablished EventType = "connection_established"
	EventAgentInitialized      EventType = "agent_initialized"
	EventWorkspaceInfo         EventType = "workspace_info"
	EventProcessing            EventType = "processing"
	EventAgentThinking         EventType = "agent_thinking"
	EventToolCall              EventType = "tool_call"
	EventToolResult            EventType = "tool_result"
	EventAgentResponse         EventType = "agent_response"
	EventStreamComplete        EventType = "stream_complete"
	EventError                 EventType = "error"
	EventSystem                EventType = "system"
	EventPong                  EventType = "pong"
	EventUploadSuccess         EventType = "upload_success"
	EventBrowserUse            EventType = "browser_use"
	EventFileEdit              EventType = "file_edit"
	EventHeartbeat             EventType = "heartbeat"
	EventTerminalOutput        EventType = "terminal_output"
)

// Error codes used in {message, error_code} error event payloads.
const (
	ErrCodeAgentNotInitialized  = "AGENT_NOT_INITIALIZED"
	ErrCodeAgentInitError       = "AGENT_INIT_ERROR"
	ErrCodeAgentRuntimeError    = "AGENT_RUNTIME_ERROR"
	ErrCodeWorkspaceCreation    = "WORKSPACE_CREATION_ERROR"
	ErrCodeQueryInProgress      = "QUERY_IN_PROGRESS"
	ErrCodeNoActiveQuery        = "NO_ACTIVE_QUERY"
	ErrCodeInvalidJSON          = "INVALID_JSON"
	ErrCodeUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeMessageProcessing    = "MESSAGE_PROCESSING_ERROR"
	ErrCodeMissingCommand       = "MISSING_COMMAND"
	ErrCodeBashToolUnavailable  = "BASH_TOOL_UNAVAILABLE"
)

// Event is a single append-only record belonging to exactly one session.
type Event struct {
	ID        string
	SessionID string
	Timestamp time.Time
	Type      EventType
	Payload   map[string]any
}

// ProCreditRecord is the per-(pro_key, month) usage counter.
type ProCreditRecord struct {
	ProKey      string
	MonthYear   string // YYYY-MM
	CreditsUsed int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AssistantBlock is a tagged union of what an assistant turn can contain.
// Exactly one of the fields below is meaningful per block; Kind selects it.
type AssistantBlockKind int

const (
	AssistantText AssistantBlockKind = iota
	AssistantToolCall
)

type AssistantBlock struct {
	Kind AssistantBlockKind
	Text string
	Call ToolCall
}

func NewAssistantText(text string) AssistantBlock {
	return AssistantBlock{Kind: AssistantText, Text: text}
}

func NewAssistantToolCall(call ToolCall) AssistantBlock {
	return AssistantBlock{Kind: AssistantToolCall, Call: call}
}

// UserBlockKind selects which field of a UserBlock is populated.
type UserBlockKind int

const (
	UserText UserBlockKind = iota
	UserImage
	UserToolResult
)

type UserBlock struct {
	Kind UserBlockKind
	Text string

	// Image fields, valid when Kind == UserImage.
	ImageBytes []byte
	MediaType  string

	// ToolResult fields, valid when Kind == UserToolResult.
	ToolCallID   string
	ToolName     string
	ToolOutput   string
}

func NewUserText(text string) UserBlock {
	return UserBlock{Kind: UserText, Text: text}
}

func NewUserImage(data []byte, mediaType string) UserBlock {
	return UserBlock{Kind: UserImage, ImageBytes: data, MediaType: mediaType}
}

func NewUserToolResult(callID, toolName, output string) UserBlock {
	return UserBlock{Kind: UserToolResult, ToolCallID: callID, ToolName: toolName, ToolOutput: output}
}

// ToolCall is a structured request from the model to invoke a named tool.
// Input is a JSON value and MUST NOT be assumed to be a mapping: some
// tools accept a bare array.
type ToolCall struct {
	ID    string
	Name  string
	Input any
}

// ToolOutcome is what a tool invocation returns to the agent runtime.
type ToolOutcome struct {
	Output   string
	Message  string
	Metadata map[string]any

	// Terminal marks that this invocation ends the run; FinalAnswer is the
	// text to surface as the run's agent_response.
	Terminal    bool
	FinalAnswer string
}

// Turn is one position in a Message History: either a user turn or an
// assistant turn, never both.
type Turn struct {
	IsAssistant bool
	User        []UserBlock
	Assistant   []AssistantBlock
}
