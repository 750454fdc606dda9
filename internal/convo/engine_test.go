package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runnerd/internal/apperr"
	"runnerd/internal/engine"
	"runnerd/pkg/types"
)

var errBackend = errors.New("backend exploded")

type fakeResolver map[string]engine.Instance

func (r fakeResolver) Instance(id string) (engine.Instance, bool) {
	inst, ok := r[id]
	return inst, ok
}

// genRecorder collects generation events and signals on terminals.
type genRecorder struct {
	mu       sync.Mutex
	events   []types.GenerationEvent
	terminal chan types.GenerationEvent
}

func recordEvents(e *Engine) *genRecorder {
	r := &genRecorder{terminal: make(chan types.GenerationEvent, 16)}
	e.Events().Attach(func(ev types.GenerationEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		if ev.Type.Terminal() {
			r.terminal <- ev
		}
	})
	return r
}

func (r *genRecorder) waitTerminal(t *testing.T) types.GenerationEvent {
	t.Helper()
	select {
	case ev := <-r.terminal:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return types.GenerationEvent{}
	}
}

func (r *genRecorder) forGeneration(genID string) []types.GenerationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.GenerationEvent
	for _, ev := range r.events {
		if ev.GenerationID == genID {
			out = append(out, ev)
		}
	}
	return out
}

// newConvoEnv wires an Engine to a single fake resident instance under
// handle "h1".
func newConvoEnv(t *testing.T, fe *engine.FakeEngine) (*Engine, *engine.FakeInstance) {
	t.Helper()
	inst, err := fe.Load(context.Background(), "/fake/model.gguf", engine.LoadParams{})
	require.NoError(t, err)
	e := New(Config{Handles: fakeResolver{"h1": inst}, Logger: zerolog.Nop()})
	t.Cleanup(e.Close)
	return e, inst.(*engine.FakeInstance)
}

func TestCreateSeedsSystemPrompt(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	id, err := e.Create("h1", "You are terse.")
	require.NoError(t, err)

	hist, err := e.History(id)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, types.RoleSystem, hist[0].Role)
	assert.Equal(t, "You are terse.", hist[0].Text())
}

func TestCreateWithoutSystemPrompt(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	id, err := e.Create("h1", "")
	require.NoError(t, err)
	hist, err := e.History(id)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestCreateUnknownHandle(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	_, err := e.Create("no-such-handle", "")
	assert.True(t, apperr.IsCreateFailed(err), "got %v", err)

	_, err = e.Create("", "")
	assert.True(t, apperr.IsInvalidArguments(err), "got %v", err)
}

func TestCreateFromHistoryRoundTrip(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	seed := []types.Message{
		types.TextMessage(types.RoleSystem, "be brief"),
		types.TextMessage(types.RoleUser, "hi"),
		types.TextMessage(types.RoleAssistant, "hello"),
	}
	id, err := e.CreateFromHistory("h1", seed)
	require.NoError(t, err)

	hist, err := e.History(id)
	require.NoError(t, err)
	assert.Equal(t, seed, hist)

	// The engine copies the seed; mutating the caller's slice must not
	// reach the conversation.
	seed[0] = types.TextMessage(types.RoleSystem, "mutated")
	hist, err = e.History(id)
	require.NoError(t, err)
	assert.Equal(t, "be brief", hist[0].Text())
}

func TestHistoryUnknownConversation(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	_, err := e.History("missing")
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestGenerateStreamsChunksAndCompletes(t *testing.T) {
	fe := &engine.FakeEngine{Script: []engine.Event{
		{Type: engine.EventChunk, Text: "Hello"},
		{Type: engine.EventChunk, Text: " there"},
		{Type: engine.EventComplete, FinishReason: "stop"},
	}}
	e, inst := newConvoEnv(t, fe)
	rec := recordEvents(e)

	convID, err := e.Create("h1", "")
	require.NoError(t, err)
	genID, err := e.Generate(convID, types.TextMessage(types.RoleUser, "hi"), types.GenerateOptions{})
	require.NoError(t, err)

	term := rec.waitTerminal(t)
	require.Equal(t, types.EventComplete, term.Type)
	require.NotNil(t, term.Message)
	assert.Equal(t, types.RoleAssistant, term.Message.Role)
	assert.Equal(t, "Hello there", term.Message.Text())
	assert.Equal(t, "stop", term.FinishReason)
	require.NotNil(t, term.Stats)
	assert.Equal(t, 2, term.Stats.TokenCount)

	// Chunks arrive in order, terminal last, nothing after it.
	e.Events().Flush()
	evs := rec.forGeneration(genID)
	require.Len(t, evs, 3)
	assert.Equal(t, "Hello", evs[0].Text)
	assert.Equal(t, " there", evs[1].Text)
	assert.True(t, evs[2].Type.Terminal())

	// History gained the user message and the assistant reply.
	hist, err := e.History(convID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, types.RoleUser, hist[0].Role)
	assert.Equal(t, types.RoleAssistant, hist[1].Role)
	assert.Equal(t, "Hello there", hist[1].Text())

	// The full history snapshot went upstream.
	req := inst.LastRequest
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Text())
}

func TestGenerateValidation(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	convID, err := e.Create("h1", "")
	require.NoError(t, err)

	_, err = e.Generate(convID, types.Message{}, types.GenerateOptions{})
	assert.True(t, apperr.IsInvalidArguments(err), "empty content: got %v", err)

	_, err = e.Generate("missing", types.TextMessage(types.RoleUser, "hi"), types.GenerateOptions{})
	assert.True(t, apperr.IsNotFound(err), "unknown conversation: got %v", err)
}

func TestGenerateRejectsConcurrentGeneration(t *testing.T) {
	fe := &engine.FakeEngine{
		Script: []engine.Event{
			{Type: engine.EventChunk, Text: "slow"},
			{Type: engine.EventComplete},
		},
		ChunkDelay: 100 * time.Millisecond,
	}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)

	convID, err := e.Create("h1", "")
	require.NoError(t, err)
	_, err = e.Generate(convID, types.TextMessage(types.RoleUser, "one"), types.GenerateOptions{})
	require.NoError(t, err)
	require.True(t, e.IsGenerating(convID))

	_, err = e.Generate(convID, types.TextMessage(types.RoleUser, "two"), types.GenerateOptions{})
	assert.True(t, apperr.IsGenerationFailed(err), "got %v", err)

	rec.waitTerminal(t)
}

func TestStopCancelsGeneration(t *testing.T) {
	fe := &engine.FakeEngine{
		Script: []engine.Event{
			{Type: engine.EventChunk, Text: "a"},
			{Type: engine.EventChunk, Text: "b"},
			{Type: engine.EventChunk, Text: "c"},
			{Type: engine.EventComplete},
		},
		ChunkDelay: 50 * time.Millisecond,
	}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)

	convID, err := e.Create("h1", "")
	require.NoError(t, err)
	genID, err := e.Generate(convID, types.TextMessage(types.RoleUser, "go"), types.GenerateOptions{})
	require.NoError(t, err)

	time.Sleep(75 * time.Millisecond)
	e.Stop(genID)

	term := rec.waitTerminal(t)
	assert.Equal(t, types.EventCancelled, term.Type)
	assert.Equal(t, genID, term.GenerationID)

	// Exactly one terminal; cancellation wins over any racing completion.
	e.Events().Flush()
	terminals := 0
	for _, ev := range rec.forGeneration(genID) {
		if ev.Type.Terminal() {
			terminals++
			assert.Equal(t, types.EventCancelled, ev.Type)
		}
	}
	assert.Equal(t, 1, terminals)

	// The user message stays; no assistant message for a cancelled run.
	hist, err := e.History(convID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, types.RoleUser, hist[0].Role)

	// The conversation is free for the next generation.
	assert.False(t, e.IsGenerating(convID))
}

func TestStopUnknownGenerationStillAcknowledged(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	rec := recordEvents(e)

	e.Stop("never-started")
	term := rec.waitTerminal(t)
	assert.Equal(t, types.EventCancelled, term.Type)
	assert.Equal(t, "never-started", term.GenerationID)
}

func TestGenerateErrorTerminal(t *testing.T) {
	fe := &engine.FakeEngine{Script: []engine.Event{
		{Type: engine.EventChunk, Text: "partial"},
		{Type: engine.EventError, Err: errBackend},
	}}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)

	convID, err := e.Create("h1", "")
	require.NoError(t, err)
	_, err = e.Generate(convID, types.TextMessage(types.RoleUser, "go"), types.GenerateOptions{})
	require.NoError(t, err)

	term := rec.waitTerminal(t)
	assert.Equal(t, types.EventError, term.Type)
	assert.Contains(t, term.Error, "backend exploded")

	// Errors leave no assistant message behind.
	hist, err := e.History(convID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestFunctionCallRoundTrip(t *testing.T) {
	call := types.FunctionCall{ID: "call-1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}
	fe := &engine.FakeEngine{Script: []engine.Event{
		{Type: engine.EventFunctionCall, Calls: []types.FunctionCall{call}},
		{Type: engine.EventComplete, FinishReason: "tool_calls"},
	}}
	e, inst := newConvoEnv(t, fe)
	rec := recordEvents(e)

	convID, err := e.Create("h1", "")
	require.NoError(t, err)
	require.NoError(t, e.RegisterFunction(convID, types.FunctionSpec{
		Name:        "get_weather",
		Description: "Current weather for a city",
		Parameters:  map[string]any{"type": "object"},
	}))

	genID, err := e.Generate(convID, types.TextMessage(types.RoleUser, "weather in Oslo?"), types.GenerateOptions{})
	require.NoError(t, err)
	term := rec.waitTerminal(t)
	require.Equal(t, types.EventComplete, term.Type)

	// The registered spec went upstream with the request.
	require.Len(t, inst.LastRequest.Functions, 1)
	assert.Equal(t, "get_weather", inst.LastRequest.Functions[0].Name)

	// The call streamed as an event and landed on the assistant message.
	e.Events().Flush()
	var sawCall bool
	for _, ev := range rec.forGeneration(genID) {
		if ev.Type == types.EventFunctionCall {
			sawCall = true
			require.Len(t, ev.Calls, 1)
			assert.Equal(t, call, ev.Calls[0])
		}
	}
	require.True(t, sawCall)
	require.NotNil(t, term.Message)
	require.Len(t, term.Message.FunctionCalls, 1)
	assert.Equal(t, call, term.Message.FunctionCalls[0])

	// Provide the result and confirm it lands in history as a tool turn.
	require.NoError(t, e.ProvideFunctionResult(convID, types.FunctionResult{
		CallID:  "call-1",
		Name:    "get_weather",
		Content: `{"temp_c": 12}`,
	}))
	hist, err := e.History(convID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, types.RoleTool, hist[2].Role)
	assert.Equal(t, `{"temp_c": 12}`, hist[2].Text())
}

func TestRegisterFunctionReplacesByName(t *testing.T) {
	e, inst := newConvoEnv(t, &engine.FakeEngine{})
	rec := recordEvents(e)
	convID, err := e.Create("h1", "")
	require.NoError(t, err)

	require.NoError(t, e.RegisterFunction(convID, types.FunctionSpec{Name: "f", Description: "v1"}))
	require.NoError(t, e.RegisterFunction(convID, types.FunctionSpec{Name: "f", Description: "v2"}))
	require.NoError(t, e.RegisterFunction(convID, types.FunctionSpec{Name: "g"}))

	_, err = e.Generate(convID, types.TextMessage(types.RoleUser, "go"), types.GenerateOptions{})
	require.NoError(t, err)
	rec.waitTerminal(t)

	require.Len(t, inst.LastRequest.Functions, 2)
	assert.Equal(t, "v2", inst.LastRequest.Functions[0].Description)

	assert.True(t, apperr.IsInvalidArguments(e.RegisterFunction(convID, types.FunctionSpec{})))
}

func TestProvideFunctionResultRejectedWhileGenerating(t *testing.T) {
	fe := &engine.FakeEngine{
		Script:     []engine.Event{{Type: engine.EventChunk, Text: "x"}, {Type: engine.EventComplete}},
		ChunkDelay: 100 * time.Millisecond,
	}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)
	convID, err := e.Create("h1", "")
	require.NoError(t, err)

	_, err = e.Generate(convID, types.TextMessage(types.RoleUser, "go"), types.GenerateOptions{})
	require.NoError(t, err)

	err = e.ProvideFunctionResult(convID, types.FunctionResult{Name: "f", Content: "r"})
	assert.True(t, apperr.IsGenerationFailed(err), "got %v", err)
	rec.waitTerminal(t)
}

func TestGenerateStructuredEmitsProgressAndResult(t *testing.T) {
	fe := &engine.FakeEngine{Script: []engine.Event{
		{Type: engine.EventChunk, Text: "Sure, here's the JSON: "},
		{Type: engine.EventChunk, Text: `{"name": "Ada", `},
		{Type: engine.EventChunk, Text: `"age": 36}`},
		{Type: engine.EventComplete, FinishReason: "stop"},
	}}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)
	convID, err := e.Create("h1", "")
	require.NoError(t, err)

	schema := json.RawMessage(`{"type":"object"}`)
	genID, err := e.GenerateStructured(convID, types.TextMessage(types.RoleUser, "extract"), schema, types.GenerateOptions{})
	require.NoError(t, err)

	term := rec.waitTerminal(t)
	require.Equal(t, types.EventComplete, term.Type)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(term.Result))
	assert.JSONEq(t, `{"name":"Ada","age":36}`, term.CleanedJSON)
	require.NotNil(t, term.Stats)
	assert.Equal(t, 3, term.Stats.TokenCount)

	// Structured runs stream token-count progress, never raw text chunks.
	e.Events().Flush()
	for _, ev := range rec.forGeneration(genID) {
		assert.NotEqual(t, types.EventChunk, ev.Type)
		if ev.Type == types.EventProgress {
			assert.Greater(t, ev.TokenCount, 0)
		}
	}

	// The assistant turn still lands in history with the raw text.
	hist, err := e.History(convID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, types.RoleAssistant, hist[1].Role)
}

func TestGenerateStructuredExtractionFailure(t *testing.T) {
	fe := &engine.FakeEngine{Script: []engine.Event{
		{Type: engine.EventChunk, Text: "I cannot produce that, sorry."},
		{Type: engine.EventComplete},
	}}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)
	convID, err := e.Create("h1", "")
	require.NoError(t, err)

	_, err = e.GenerateStructured(convID, types.TextMessage(types.RoleUser, "extract"), json.RawMessage(`{}`), types.GenerateOptions{})
	require.NoError(t, err)

	term := rec.waitTerminal(t)
	assert.Equal(t, types.EventError, term.Type)
	assert.Equal(t, "I cannot produce that, sorry.", term.RawText)
}

func TestGenerateStructuredRequiresSchema(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	convID, err := e.Create("h1", "")
	require.NoError(t, err)
	_, err = e.GenerateStructured(convID, types.TextMessage(types.RoleUser, "x"), nil, types.GenerateOptions{})
	assert.True(t, apperr.IsInvalidArguments(err), "got %v", err)
}

func TestExport(t *testing.T) {
	e, _ := newConvoEnv(t, &engine.FakeEngine{})
	convID, err := e.Create("h1", "sys")
	require.NoError(t, err)

	exp, err := e.Export(convID)
	require.NoError(t, err)
	assert.Equal(t, convID, exp.ConversationID)
	assert.Equal(t, "h1", exp.RunnerID)
	require.Len(t, exp.Messages, 1)

	_, err = e.Export("missing")
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestDisposeCancelsActiveGeneration(t *testing.T) {
	fe := &engine.FakeEngine{
		Script:     []engine.Event{{Type: engine.EventChunk, Text: "x"}, {Type: engine.EventChunk, Text: "y"}, {Type: engine.EventComplete}},
		ChunkDelay: 50 * time.Millisecond,
	}
	e, _ := newConvoEnv(t, fe)
	rec := recordEvents(e)
	convID, err := e.Create("h1", "")
	require.NoError(t, err)

	genID, err := e.Generate(convID, types.TextMessage(types.RoleUser, "go"), types.GenerateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Dispose(convID))

	term := rec.waitTerminal(t)
	assert.Equal(t, types.EventCancelled, term.Type)
	assert.Equal(t, genID, term.GenerationID)

	_, err = e.History(convID)
	assert.True(t, apperr.IsNotFound(err), "disposed conversation should be gone")
	assert.True(t, apperr.IsNotFound(e.Dispose(convID)), "second dispose")
}
