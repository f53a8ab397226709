// Package protocol defines the JSON-line message types exchanged with the
// agent process over its PTY, and the typed event stream delivered to UI
// subscribers.
package protocol

import "encoding/json"

// AgentMessage is the envelope the agent emits on stdout, one JSON object
// per line. Unknown fields are ignored; unknown types are discarded by the
// translator.
type AgentMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init fields
	SessionID string   `json:"session_id,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Model     string   `json:"model,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`

	// assistant text/thinking
	Text string `json:"text,omitempty"`

	// assistant tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// user tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// nested form: assistant message with content blocks
	Message *NestedMessage `json:"message,omitempty"`

	// result fields
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

// NestedMessage carries the array-of-content-blocks form.
type NestedMessage struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one entry of a nested message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// HumanMessage is the line written to the agent's stdin for user input.
type HumanMessage struct {
	Type    string `json:"type"` // always "human"
	Content string `json:"content"`
}

// EventType enumerates the typed events delivered to UI subscribers.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventTextBlock        EventType = "text_block"
	EventThinkingBlock    EventType = "thinking_block"
	EventFileWriteStart   EventType = "file_write_start"
	EventFileWriteChunk   EventType = "file_write_chunk"
	EventFileWriteEnd     EventType = "file_write_end"
	EventFileEditStart    EventType = "file_edit_start"
	EventFileEditDiff     EventType = "file_edit_diff"
	EventFileEditEnd      EventType = "file_edit_end"
	EventCommandStart     EventType = "command_start"
	EventCommandOutput    EventType = "command_output"
	EventCommandEnd       EventType = "command_end"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventArtifactDetected EventType = "artifact_detected"
	EventArtifactReady    EventType = "artifact_ready"
	EventUsage            EventType = "usage"
	EventMessageEnd       EventType = "message_end"
	EventSessionEnded     EventType = "session_ended"
	EventError            EventType = "error"
	EventRawOutput        EventType = "raw_output"
)

// Activity is the coarse state the translator derives from the event flow.
type Activity string

const (
	ActivityIdle      Activity = "idle"
	ActivityThinking  Activity = "thinking"
	ActivityWriting   Activity = "writing"
	ActivityEditing   Activity = "editing"
	ActivityExecuting Activity = "executing"
	ActivityArtifact  Activity = "artifact"
	ActivityError     Activity = "error"
)

// Event is the envelope sent to UI subscribers. Field groups are populated
// per event type; unused groups are omitted on the wire.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"` // unix ms

	// session_started
	WorkspacePath string   `json:"workspace_path,omitempty"`
	Model         string   `json:"model,omitempty"`
	Tools         []string `json:"tools,omitempty"`

	// text_block / thinking_block / raw_output / error
	Text string `json:"text,omitempty"`

	// tool events
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`

	// file_write_* / file_edit_*
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`

	// command_*
	Command  string `json:"command,omitempty"`
	Output   string `json:"output,omitempty"`
	Stream   string `json:"stream,omitempty"` // stdout | stderr
	ExitCode int    `json:"exit_code"`
	IsError  bool   `json:"is_error,omitempty"`

	// artifact_*
	URL          string `json:"url,omitempty"`
	ArtifactType string `json:"artifact_type,omitempty"` // react-app | web-app

	// usage / session_ended
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	Reason     string  `json:"reason,omitempty"` // user | error
}

// Message/result type constants as emitted by the agent.
const (
	MsgTypeSystem    = "system"
	MsgTypeAssistant = "assistant"
	MsgTypeUser      = "user"
	MsgTypeResult    = "result"

	SubtypeInit       = "init"
	SubtypeText       = "text"
	SubtypeThinking   = "thinking"
	SubtypeToolUse    = "tool_use"
	SubtypeToolResult = "tool_result"
	SubtypeError      = "error"
)
