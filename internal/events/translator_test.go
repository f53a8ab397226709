package events

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/sessiond/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect() (*Translator, *[]protocol.Event) {
	var events []protocol.Event
	tr := NewTranslator(func(ev protocol.Event) { events = append(events, ev) }, testLogger())
	return tr, &events
}

func types(events []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestExecToolLifecycle(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"system","subtype":"init","session_id":"S","tools":["bash"],"model":"m","cwd":"/w"}` + "\n"))
	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"echo hi"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"hi\n","is_error":false}` + "\n"))
	tr.Feed([]byte(`{"type":"result","is_error":false,"cost_usd":0.01,"duration_ms":100,"num_turns":1}` + "\n"))

	require.Equal(t, []protocol.EventType{
		protocol.EventSessionStarted,
		protocol.EventTextBlock, // synthetic narration, no text preceded the tool
		protocol.EventCommandStart,
		protocol.EventCommandOutput,
		protocol.EventCommandEnd,
		protocol.EventMessageEnd,
		protocol.EventSessionEnded,
		protocol.EventUsage,
	}, types(*events))

	evs := *events
	assert.Equal(t, "/w", evs[0].WorkspacePath)
	assert.Equal(t, "m", evs[0].Model)
	assert.Equal(t, []string{"bash"}, evs[0].Tools)
	assert.Contains(t, evs[1].Text, "echo hi")
	assert.Equal(t, "echo hi", evs[2].Command)
	assert.Equal(t, "hi\n", evs[3].Output)
	assert.Equal(t, "stdout", evs[3].Stream)
	assert.Equal(t, 0, evs[4].ExitCode)
	assert.Equal(t, "user", evs[6].Reason)
	assert.Equal(t, 0.01, evs[7].CostUSD)
}

func TestSplitChunksReassembled(t *testing.T) {
	tr, events := collect()

	line := `{"type":"assistant","subtype":"text","text":"hello"}` + "\n"
	tr.Feed([]byte(line[:10]))
	assert.Empty(t, *events)
	tr.Feed([]byte(line[10:]))

	require.Len(t, *events, 1)
	assert.Equal(t, protocol.EventTextBlock, (*events)[0].Type)
	assert.Equal(t, "hello", (*events)[0].Text)
}

func TestNonJSONLinesDiscarded(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte("npm WARN deprecated\n\x1b[32mgreen noise\x1b[0m\n{not json}\n"))
	tr.Feed([]byte(`{"type":"assistant","subtype":"text","text":"ok"}` + "\n"))

	require.Len(t, *events, 1)
	assert.Equal(t, "ok", (*events)[0].Text)
}

func TestWriteToolSpecialised(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"w1","name":"write_file","input":{"path":"main.go","content":"package main"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"w1","content":"ok","is_error":false}` + "\n"))

	got := types(*events)
	assert.Equal(t, []protocol.EventType{
		protocol.EventTextBlock,
		protocol.EventFileWriteStart,
		protocol.EventFileWriteChunk,
		protocol.EventFileWriteEnd,
	}, got)
	assert.NotContains(t, got, protocol.EventToolStart, "specialised tools emit no generic events")

	evs := *events
	assert.Equal(t, "main.go", evs[1].Path)
	assert.Equal(t, "package main", evs[2].Content)
}

func TestEditToolSpecialised(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"e1","name":"edit","input":{"file_path":"a.go","old_string":"x","new_string":"y"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"e1","content":"ok"}` + "\n"))

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextBlock,
		protocol.EventFileEditStart,
		protocol.EventFileEditDiff,
		protocol.EventFileEditEnd,
	}, types(*events))

	evs := *events
	assert.Equal(t, "x", evs[2].OldText)
	assert.Equal(t, "y", evs[2].NewText)
}

func TestOtherToolGenericEvents(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"g1","name":"web_search","input":{"query":"q"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"g1","content":"results"}` + "\n"))

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextBlock,
		protocol.EventToolStart,
		protocol.EventToolEnd,
	}, types(*events))
}

func TestTodoToolIsNotAWrite(t *testing.T) {
	assert.Equal(t, toolOther, classifyTool("TodoWrite"))
	assert.Equal(t, toolWrite, classifyTool("write_file"))
	assert.Equal(t, toolWrite, classifyTool("create_file"))
	assert.Equal(t, toolEdit, classifyTool("str_replace_editor"))
	assert.Equal(t, toolExec, classifyTool("Bash"))
	assert.Equal(t, toolExec, classifyTool("run_command"))
	assert.Equal(t, toolOther, classifyTool("glob"))
}

func TestDuplicateToolUseDropped(t *testing.T) {
	tr, events := collect()

	line := `{"type":"assistant","subtype":"tool_use","id":"d1","name":"bash","input":{"command":"ls"}}` + "\n"
	tr.Feed([]byte(line))
	tr.Feed([]byte(line))

	count := 0
	for _, ev := range *events {
		if ev.Type == protocol.EventCommandStart {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestToolResultRequiresActiveID(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"ghost","content":"x"}` + "\n"))
	assert.Empty(t, *events)

	// each id is honoured at most once end-to-end
	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"ls"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"a"}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"b"}` + "\n"))

	ends := 0
	for _, ev := range *events {
		if ev.Type == protocol.EventCommandEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestNoNarrationWhenTextPreceded(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"text","text":"Let me look."}` + "\n"))
	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"ls"}}` + "\n"))

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextBlock,
		protocol.EventCommandStart,
	}, types(*events))
}

func TestNarrationResetsOnNewTurn(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"text","text":"first turn"}` + "\n"))
	tr.NewTurn()
	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t2","name":"bash","input":{"command":"pwd"}}` + "\n"))

	evs := *events
	require.Len(t, evs, 3)
	assert.Equal(t, protocol.EventTextBlock, evs[1].Type, "new turn narrates again")
	assert.Contains(t, evs[1].Text, "pwd")
}

func TestNewTurnConcurrentWithFeed(t *testing.T) {
	tr, _ := collect()

	// NewTurn and Activity come from connection handlers while Feed runs
	// on the PTY reader; this must stay clean under the race detector
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			tr.Feed([]byte(`{"type":"assistant","subtype":"text","text":"chunk"}` + "\n"))
		}
	}()
	for i := 0; i < 100; i++ {
		tr.NewTurn()
		_ = tr.Activity()
	}
	<-done

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"c1","name":"bash","input":{"command":"ls"}}` + "\n"))
}

func TestFirstLineTruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", firstLine("short"))
	assert.Equal(t, "top", firstLine("top\nbottom"))

	long := strings.Repeat("a", 100)
	assert.Equal(t, strings.Repeat("a", 80)+"…", firstLine(long))

	// a two-byte rune straddling the cut must not be split
	accented := strings.Repeat("a", 79) + "éé"
	got := firstLine(accented)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 79)+"…", got)
}

func TestThinkingCoalescing(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"thinking","text":"hmm"}` + "\n"))
	assert.Equal(t, protocol.ActivityThinking, tr.Activity())
	tr.Feed([]byte(`{"type":"assistant","subtype":"thinking","text":" more"}` + "\n"))
	tr.Feed([]byte(`{"type":"assistant","subtype":"text","text":"answer"}` + "\n"))

	assert.Equal(t, []protocol.EventType{
		protocol.EventThinkingBlock,
		protocol.EventThinkingBlock,
		protocol.EventTextBlock,
	}, types(*events))
	assert.Equal(t, protocol.ActivityIdle, tr.Activity())
}

func TestNestedContentBlocks(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"on it"},` +
		`{"type":"tool_use","id":"n1","name":"bash","input":{"command":"date"}}]}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","message":{"content":[` +
		`{"type":"tool_result","tool_use_id":"n1","content":[{"type":"text","text":"Mon"}]}]}}` + "\n"))

	assert.Equal(t, []protocol.EventType{
		protocol.EventTextBlock,
		protocol.EventCommandStart,
		protocol.EventCommandOutput,
		protocol.EventCommandEnd,
	}, types(*events))
	assert.Equal(t, "Mon", (*events)[2].Output)
}

func TestErrorResult(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"result","is_error":true,"cost_usd":0.0,"duration_ms":50}` + "\n"))

	evs := *events
	require.Len(t, evs, 3) // message_end, session_ended, usage
	assert.Equal(t, protocol.EventSessionEnded, evs[1].Type)
	assert.Equal(t, "error", evs[1].Reason)
	assert.Equal(t, protocol.ActivityError, tr.Activity())
}

func TestErrorToolResultStderr(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"false"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"boom","is_error":true}` + "\n"))

	evs := *events
	out := evs[len(evs)-2]
	end := evs[len(evs)-1]
	assert.Equal(t, protocol.EventCommandOutput, out.Type)
	assert.Equal(t, "stderr", out.Stream)
	assert.Equal(t, protocol.EventCommandEnd, end.Type)
	assert.Equal(t, 1, end.ExitCode)
	assert.True(t, end.IsError)
}

func TestArtifactDetection(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"npm run dev"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"  VITE ready\n  Local: http://localhost:5173/\n"}` + "\n"))

	var detected, ready *protocol.Event
	for i := range *events {
		switch (*events)[i].Type {
		case protocol.EventArtifactDetected:
			detected = &(*events)[i]
		case protocol.EventArtifactReady:
			ready = &(*events)[i]
		}
	}
	require.NotNil(t, detected)
	require.NotNil(t, ready)
	assert.Equal(t, "http://localhost:5173/", ready.URL)
	assert.Equal(t, "react-app", ready.ArtifactType)
	assert.Equal(t, protocol.ActivityArtifact, tr.Activity())
}

func TestArtifactFromPortPhrase(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"python -m http.server 8000"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"Serving HTTP, server listening on port 8000"}` + "\n"))

	var ready *protocol.Event
	for i := range *events {
		if (*events)[i].Type == protocol.EventArtifactReady {
			ready = &(*events)[i]
		}
	}
	require.NotNil(t, ready)
	assert.Equal(t, "http://localhost:8000", ready.URL)
	assert.Equal(t, "web-app", ready.ArtifactType)
}

func TestNoArtifactOnFailedCommand(t *testing.T) {
	tr, events := collect()

	tr.Feed([]byte(`{"type":"assistant","subtype":"tool_use","id":"t1","name":"bash","input":{"command":"npm run dev"}}` + "\n"))
	tr.Feed([]byte(`{"type":"user","subtype":"tool_result","tool_use_id":"t1","content":"http://localhost:3000 failed to bind","is_error":true}` + "\n"))

	for _, ev := range *events {
		assert.NotEqual(t, protocol.EventArtifactDetected, ev.Type)
	}
}
