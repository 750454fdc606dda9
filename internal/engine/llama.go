//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"runnerd/pkg/types"
)

// llamaEngine backs instances with an in-process llama.cpp runtime.
type llamaEngine struct{}

// NewLlamaEngine returns the real llama.cpp-backed engine.
func NewLlamaEngine() Engine { return &llamaEngine{} }

func (e *llamaEngine) Load(ctx context.Context, path string, params LoadParams) (Instance, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{}
	if params.CtxSize > 0 {
		mo = append(mo, llama.SetContext(params.CtxSize))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaInstance{model: m, threads: params.Threads}, nil
}

type llamaInstance struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (s *llamaInstance) Generate(ctx context.Context, req Request) (<-chan Event, error) {
	s.mu.Lock()
	m := s.model
	s.mu.Unlock()
	if m == nil {
		return nil, errors.New("llama instance already closed")
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		// Every send races a consumer that may have stopped draining after
		// cancellation; an unconditional send would strand this goroutine.
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		m.SetTokenCallback(func(tok string) bool {
			return emit(Event{Type: EventChunk, Text: tok})
		})
		_, err := m.Predict(renderPrompt(req.Messages), predictOptions(req.Options, s.threads)...)
		if err != nil {
			if ctx.Err() != nil {
				emit(Event{Type: EventError, Err: ctx.Err()})
				return
			}
			emit(Event{Type: EventError, Err: err})
			return
		}
		emit(Event{Type: EventComplete, FinishReason: "stop"})
	}()
	return out, nil
}

// Close frees the native model. llama.Free is synchronous, so memory is
// reclaimed before return.
func (s *llamaInstance) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// renderPrompt flattens conversation history into a plain chat transcript.
// llama.cpp templates vary per model family; a neutral transcript keeps the
// adapter model-agnostic.
func renderPrompt(msgs []types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text())
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

// predictOptions converts sampling options into go-llama.cpp options, with
// zero values falling back to the runtime defaults.
func predictOptions(opts types.GenerateOptions, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(zn(opts.MaxTokens, llama.DefaultOptions.Tokens)),
		llama.SetThreads(maxInt(1, threads)),
		llama.SetTopP(zf(opts.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(opts.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(opts.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(opts.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if opts.Seed != 0 {
		po = append(po, llama.SetSeed(opts.Seed))
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}
	return po
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
