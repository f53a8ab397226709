// Package events turns the agent's newline-delimited JSON stdout protocol
// into the typed event stream the UI renders. All parser errors are
// local: malformed lines are discarded and the translator never
// terminates itself.
package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agenticwork/sessiond/protocol"
)

// toolClass buckets tool names into the specialised event families.
type toolClass int

const (
	toolOther toolClass = iota
	toolWrite
	toolEdit
	toolExec
)

// classifyTool matches case-insensitive substrings. Todo-list tools look
// like write tools by name but are not file writes.
func classifyTool(name string) toolClass {
	n := strings.ToLower(name)
	if strings.Contains(n, "todo") {
		return toolOther
	}
	switch {
	case strings.Contains(n, "write") || strings.Contains(n, "create"):
		return toolWrite
	case strings.Contains(n, "edit") || strings.Contains(n, "replace"):
		return toolEdit
	case strings.Contains(n, "bash") || strings.Contains(n, "shell") || strings.Contains(n, "run"):
		return toolExec
	default:
		return toolOther
	}
}

type activeTool struct {
	name    string
	class   toolClass
	input   map[string]any
	started time.Time
}

// Translator holds the per-session parser state. Parsing runs on the
// single PTY reader task and needs no locking; NewTurn and Activity are
// called from other goroutines and go through atomics.
type Translator struct {
	emit   func(protocol.Event)
	logger *slog.Logger

	remainder []byte

	active map[string]*activeTool
	seen   map[string]bool

	thinkingOpen bool
	textThisTurn bool
	turnReset    atomic.Bool

	tools     []string
	model     string
	workspace string

	activity atomic.Value // protocol.Activity
}

func NewTranslator(emit func(protocol.Event), logger *slog.Logger) *Translator {
	t := &Translator{
		emit:   emit,
		logger: logger,
		active: make(map[string]*activeTool),
		seen:   make(map[string]bool),
	}
	t.activity.Store(protocol.ActivityIdle)
	return t
}

// Activity reports the current coarse state.
func (t *Translator) Activity() protocol.Activity {
	return t.activity.Load().(protocol.Activity)
}

func (t *Translator) setActivity(a protocol.Activity) { t.activity.Store(a) }

// NewTurn marks the per-turn state for reset; called when a human message
// is sent to the agent. The reset itself is applied by the reader task at
// the next Feed so turn state has a single writer.
func (t *Translator) NewTurn() {
	t.turnReset.Store(true)
}

// Feed consumes a chunk of agent stdout. Complete lines are parsed;
// incomplete trailing text stays buffered for the next chunk.
func (t *Translator) Feed(chunk []byte) {
	if t.turnReset.CompareAndSwap(true, false) {
		t.textThisTurn = false
	}
	t.remainder = append(t.remainder, chunk...)
	for {
		idx := bytes.IndexByte(t.remainder, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimRight(t.remainder[:idx], "\r")
		t.remainder = t.remainder[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.handleLine(line)
	}
}

func (t *Translator) handleLine(line []byte) {
	var msg protocol.AgentMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// interleaved non-JSON output, expected
		return
	}
	switch msg.Type {
	case protocol.MsgTypeSystem:
		if msg.Subtype == protocol.SubtypeInit {
			t.handleInit(&msg)
		}
	case protocol.MsgTypeAssistant:
		t.handleAssistant(&msg)
	case protocol.MsgTypeUser:
		t.handleUser(&msg)
	case protocol.MsgTypeResult:
		t.handleResult(&msg)
	}
}

func (t *Translator) handleInit(msg *protocol.AgentMessage) {
	t.model = msg.Model
	t.workspace = msg.Cwd
	t.tools = msg.Tools
	t.send(protocol.Event{
		Type:          protocol.EventSessionStarted,
		WorkspacePath: msg.Cwd,
		Model:         msg.Model,
		Tools:         msg.Tools,
	})
}

func (t *Translator) handleAssistant(msg *protocol.AgentMessage) {
	if msg.Message != nil {
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				t.onText(block.Text)
			case "thinking":
				t.onThinking(block.Thinking)
			case "tool_use":
				t.onToolUse(block.ID, block.Name, block.Input)
			case "tool_result":
				t.onToolResult(block.ToolUseID, block.Content, block.IsError)
			}
		}
		return
	}
	switch msg.Subtype {
	case protocol.SubtypeText:
		t.onText(msg.Text)
	case protocol.SubtypeThinking:
		t.onThinking(msg.Text)
	case protocol.SubtypeToolUse:
		t.onToolUse(msg.ID, msg.Name, msg.Input)
	}
}

func (t *Translator) handleUser(msg *protocol.AgentMessage) {
	if msg.Message != nil {
		for _, block := range msg.Message.Content {
			if block.Type == "tool_result" {
				t.onToolResult(block.ToolUseID, block.Content, block.IsError)
			}
		}
		return
	}
	if msg.Subtype == protocol.SubtypeToolResult {
		t.onToolResult(msg.ToolUseID, msg.Content, msg.IsError)
	}
}

func (t *Translator) onText(text string) {
	if text == "" {
		return
	}
	t.closeThinking()
	t.textThisTurn = true
	t.setActivity(protocol.ActivityIdle)
	t.send(protocol.Event{Type: protocol.EventTextBlock, Text: text})
}

// onThinking opens or extends a thinking block; subscribers append
// successive thinking_block events until a non-thinking event arrives.
func (t *Translator) onThinking(text string) {
	if text == "" {
		return
	}
	t.thinkingOpen = true
	t.setActivity(protocol.ActivityThinking)
	t.send(protocol.Event{Type: protocol.EventThinkingBlock, Text: text})
}

func (t *Translator) closeThinking() {
	if t.thinkingOpen {
		t.thinkingOpen = false
		if t.Activity() == protocol.ActivityThinking {
			t.setActivity(protocol.ActivityIdle)
		}
	}
}

func (t *Translator) onToolUse(id, name string, rawInput json.RawMessage) {
	if id == "" || t.seen[id] {
		return
	}
	t.seen[id] = true
	t.closeThinking()

	input := map[string]any{}
	if len(rawInput) > 0 {
		_ = json.Unmarshal(rawInput, &input)
	}
	class := classifyTool(name)
	t.active[id] = &activeTool{name: name, class: class, input: input, started: time.Now()}

	// The UI always shows context before tool execution: if the model
	// went straight to a tool this turn, narrate on its behalf.
	if !t.textThisTurn {
		t.textThisTurn = true
		t.send(protocol.Event{Type: protocol.EventTextBlock, Text: narrationFor(class, name, input)})
	}

	switch class {
	case toolWrite:
		path := inputString(input, "file_path", "path")
		t.setActivity(protocol.ActivityWriting)
		t.send(protocol.Event{Type: protocol.EventFileWriteStart, ToolUseID: id, ToolName: name, Path: path})
		if content := inputString(input, "content", "text"); content != "" {
			t.send(protocol.Event{Type: protocol.EventFileWriteChunk, ToolUseID: id, Path: path, Content: content})
		}
	case toolEdit:
		path := inputString(input, "file_path", "path")
		t.setActivity(protocol.ActivityEditing)
		t.send(protocol.Event{Type: protocol.EventFileEditStart, ToolUseID: id, ToolName: name, Path: path})
		oldText := inputString(input, "old_string", "old_text")
		newText := inputString(input, "new_string", "new_text")
		if oldText != "" || newText != "" {
			t.send(protocol.Event{Type: protocol.EventFileEditDiff, ToolUseID: id, Path: path, OldText: oldText, NewText: newText})
		}
	case toolExec:
		t.setActivity(protocol.ActivityExecuting)
		t.send(protocol.Event{
			Type:      protocol.EventCommandStart,
			ToolUseID: id,
			ToolName:  name,
			Command:   inputString(input, "command", "cmd"),
		})
	default:
		t.send(protocol.Event{Type: protocol.EventToolStart, ToolUseID: id, ToolName: name})
	}
}

// onToolResult closes out an active tool. Results for unknown or already
// finished ids are dropped; each id is processed at most once end-to-end.
func (t *Translator) onToolResult(id string, rawContent json.RawMessage, isError bool) {
	tool, ok := t.active[id]
	if !ok {
		return
	}
	delete(t.active, id)
	t.closeThinking()

	content := decodeResultContent(rawContent)

	switch tool.class {
	case toolWrite:
		t.send(protocol.Event{
			Type:      protocol.EventFileWriteEnd,
			ToolUseID: id,
			Path:      inputString(tool.input, "file_path", "path"),
			IsError:   isError,
		})
	case toolEdit:
		t.send(protocol.Event{
			Type:      protocol.EventFileEditEnd,
			ToolUseID: id,
			Path:      inputString(tool.input, "file_path", "path"),
			IsError:   isError,
		})
	case toolExec:
		stream := "stdout"
		exitCode := 0
		if isError {
			stream = "stderr"
			exitCode = 1
		}
		if content != "" {
			t.send(protocol.Event{Type: protocol.EventCommandOutput, ToolUseID: id, Output: content, Stream: stream})
		}
		t.send(protocol.Event{Type: protocol.EventCommandEnd, ToolUseID: id, ExitCode: exitCode, IsError: isError})
		if !isError {
			t.detectArtifact(tool, content)
		}
	default:
		t.send(protocol.Event{Type: protocol.EventToolEnd, ToolUseID: id, ToolName: tool.name, IsError: isError})
	}
	if t.Activity() != protocol.ActivityArtifact {
		t.setActivity(protocol.ActivityIdle)
	}
}

func (t *Translator) handleResult(msg *protocol.AgentMessage) {
	t.closeThinking()
	t.send(protocol.Event{Type: protocol.EventMessageEnd})

	reason := "user"
	if msg.IsError || msg.Subtype == protocol.SubtypeError {
		reason = "error"
		t.setActivity(protocol.ActivityError)
	} else {
		t.setActivity(protocol.ActivityIdle)
	}
	t.send(protocol.Event{
		Type:       protocol.EventSessionEnded,
		Reason:     reason,
		CostUSD:    msg.CostUSD,
		DurationMs: msg.DurationMs,
		NumTurns:   msg.NumTurns,
	})
	if msg.CostUSD > 0 || msg.DurationMs > 0 {
		t.send(protocol.Event{
			Type:       protocol.EventUsage,
			CostUSD:    msg.CostUSD,
			DurationMs: msg.DurationMs,
			NumTurns:   msg.NumTurns,
		})
	}
}

func (t *Translator) send(ev protocol.Event) {
	ev.Timestamp = time.Now().UnixMilli()
	t.emit(ev)
}

// decodeResultContent accepts the string form, the content-block array
// form, and anything else verbatim.
func decodeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			b.WriteString(block.Text)
		}
		return b.String()
	}
	return string(raw)
}

func inputString(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
