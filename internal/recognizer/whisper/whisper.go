// Package whisper implements recognizer.Engine using the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/arcbeam/sttgateway/internal/recognizer"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"
)

// Compile-time assertion that Engine satisfies recognizer.Engine.
var _ recognizer.Engine = (*Engine)(nil)

// Engine runs speech recognition with a shared whisper.cpp model. The model
// is loaded once and every Transcribe call creates its own whisper.cpp
// context, since a whisper.cpp context is not itself safe for concurrent use.
//
// Concurrent inference across sessions is bounded by a weighted semaphore
// rather than by serializing inside the Session Core, so that a session's
// buffer mutations are never blocked on another session's inference call.
type Engine struct {
	model whisperlib.Model
	gate  *semaphore.Weighted
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxConcurrentInferences bounds how many Transcribe calls may run
// against the shared model at once. 1 serializes every call (the safe
// default for a library whose per-context state is not thread-safe); higher
// values permit bounded concurrency. The default is 1.
func WithMaxConcurrentInferences(n int64) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.gate = semaphore.NewWeighted(n)
	}
}

// New loads a whisper.cpp model from modelPath. The caller must call Close
// when the Engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model: model,
		gate:  semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close releases the whisper model. Safe to call once; subsequent calls
// return nil.
func (e *Engine) Close() error {
	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}

// Transcribe runs one recognition pass over samples using a fresh
// whisper.cpp context drawn from the shared model. It blocks for the
// duration of the acquire-and-infer cycle, respecting ctx cancellation while
// waiting for the concurrency gate.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, promptTokens []int, opts recognizer.Options) (recognizer.Result, error) {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return recognizer.Result{}, fmt.Errorf("whisper: acquire inference slot: %w", err)
	}
	defer e.gate.Release(1)

	if err := ctx.Err(); err != nil {
		return recognizer.Result{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := applyOptions(wctx, opts, promptTokens); err != nil {
		return recognizer.Result{}, fmt.Errorf("whisper: apply options: %w", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return recognizer.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segments []recognizer.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return recognizer.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, recognizer.Segment{
			Text:   text,
			Start:  time.Duration(seg.Start) * time.Millisecond,
			End:    time.Duration(seg.End) * time.Millisecond,
			Tokens: tokenIDs(seg.Tokens),
		})
	}

	return recognizer.Result{Segments: segments}, nil
}

// tokenIDs extracts the raw token ids from a segment's tokens, the form
// prompt-token carry-over expects (see applyOptions's SetInitialTokens).
func tokenIDs(tokens []whisperlib.Token) []int {
	if len(tokens) == 0 {
		return nil
	}
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = t.Id
	}
	return ids
}

// contextSetter is the subset of whisperlib.Context this package drives.
// Declaring it as an interface keeps applyOptions unit-testable with a fake
// in place of a real loaded model.
type contextSetter interface {
	SetLanguage(lang string) error
	SetTranslate(bool)
	SetThreads(uint)
	SetAudioCtx(uint)
	SetMaxTokensPerSegment(uint)
	SetSplitOnWord(bool)
	SetBeamSize(int)
	SetTemperature(float32)
	SetInitialTokens(tokens []int)
}

// applyOptions maps recognizer.Options onto a whisper.cpp context, following
// the mapping rules: beam search when BeamSize > 1, greedy otherwise;
// temperature forced to 0 when NoFallback; prompt tokens passed through only
// when non-nil. opts.SingleSegment and opts.Diarize are not applied:
// contextSetter has no setter for either, so the context keeps its own
// segmentation and Transcribe never sets Segment.SpeakerTurn.
func applyOptions(cs contextSetter, opts recognizer.Options, promptTokens []int) error {
	if opts.Language != "" {
		if err := cs.SetLanguage(opts.Language); err != nil {
			return fmt.Errorf("set language %q: %w", opts.Language, err)
		}
	}
	cs.SetTranslate(opts.Translate)
	cs.SetSplitOnWord(false)

	if opts.Threads > 0 {
		cs.SetThreads(uint(opts.Threads))
	}
	if opts.AudioContext > 0 {
		cs.SetAudioCtx(uint(opts.AudioContext))
	}
	if opts.MaxTokens > 0 {
		cs.SetMaxTokensPerSegment(uint(opts.MaxTokens))
	}

	if opts.BeamSize > 1 {
		cs.SetBeamSize(opts.BeamSize)
	} else {
		cs.SetBeamSize(0)
	}

	temp := opts.Temperature
	if opts.NoFallback {
		temp = 0
	}
	cs.SetTemperature(temp)

	if promptTokens != nil {
		cs.SetInitialTokens(promptTokens)
	}

	return nil
}
