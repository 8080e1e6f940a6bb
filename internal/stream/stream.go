// Package stream implements the per-connection streaming transcription
// engine: an audio ring buffer, a sliding-window scheduling policy, prompt
// token carry-over, and incremental text extraction against the previously
// emitted transcript.
//
// A Session owns all of this state for exactly one client connection. It is
// intended to be driven by a single logical task (typically the connection's
// read loop): every exported method assumes serialized access from its
// caller, except where documented otherwise.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arcbeam/sttgateway/internal/recognizer"
)

// Params are the immutable-after-construction per-session configuration
// values. See the package defaults in internal/config for the values every
// session is built with.
type Params struct {
	StepMs    int
	LengthMs  int
	KeepMs    int
	MaxTokens int
	AudioCtx  int
	BeamSize  int // <=1 means greedy

	Translate    bool
	NoContext    bool
	NoTimestamps bool
	Tinydiarize  bool
	NoFallback   bool // force temperature to 0.0 when set

	Temperature float32
	Language    string
	Threads     int
}

// Metrics receives observability callbacks from a Session. A nil Metrics is
// valid and every method becomes a no-op; production code wires an
// implementation backed by internal/observe.
type Metrics interface {
	RecordInferenceDuration(d time.Duration)
	RecordBufferLength(n int)
	RecordOutcome(outcome string) // "ok", "empty", or "error"
}

type noopMetrics struct{}

func (noopMetrics) RecordInferenceDuration(time.Duration) {}
func (noopMetrics) RecordBufferLength(int)                {}
func (noopMetrics) RecordOutcome(string)                  {}

// Session owns one client's streaming transcription state: the unconsumed
// audio buffer, the retained overlap tail, prompt token history, and the
// last emitted transcript used for incremental diffing.
type Session struct {
	userID     int64
	sampleRate int
	params     Params
	engine     recognizer.Engine
	metrics    Metrics
	now        func() time.Time

	nStep, nLen, nKeep, nMax int

	mu           sync.Mutex
	buffer       []float32
	tail         []float32
	promptTokens []int
	lastEmission string
	lastRunAt    time.Time
	iteration    int
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithMetrics attaches a Metrics sink. The default is a no-op sink.
func WithMetrics(m Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// withClock overrides the time source; used by tests to control the step
// time gate deterministically.
func withClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a Session for userID, recognizing audio at sampleRate Hz
// against engine, using params for the sliding-window policy.
func New(userID int64, sampleRate int, params Params, engine recognizer.Engine, opts ...Option) *Session {
	s := &Session{
		userID:     userID,
		sampleRate: sampleRate,
		params:     params,
		engine:     engine,
		metrics:    noopMetrics{},
		now:        time.Now,
	}
	s.nStep = params.StepMs * sampleRate / 1000
	s.nLen = params.LengthMs * sampleRate / 1000
	s.nKeep = params.KeepMs * sampleRate / 1000
	s.nMax = 2 * s.nLen

	for _, o := range opts {
		o(s)
	}
	s.lastRunAt = s.now()
	return s
}

// UserID returns the session's assigned identifier.
func (s *Session) UserID() int64 { return s.userID }

// PushAudio appends samples to the buffer, discarding from the front if the
// buffer would exceed N_MAX. It never blocks on the engine and performs no
// inference.
func (s *Session) PushAudio(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, samples...)
	if over := len(s.buffer) - s.nMax; over > 0 {
		s.buffer = s.buffer[over:]
	}
}

// DrainIfReady runs an inference pass if the readiness predicate holds
// (enough new audio and enough elapsed time since the last pass) and returns
// the incremental transcript delta, which may be empty.
func (s *Session) DrainIfReady(ctx context.Context) string {
	s.mu.Lock()
	if len(s.buffer) < s.nStep || s.now().Sub(s.lastRunAt) < time.Duration(s.params.StepMs)*time.Millisecond {
		s.mu.Unlock()
		return ""
	}
	nNew := min(len(s.buffer), s.nStep)
	s.mu.Unlock()

	return s.runPass(ctx, nNew)
}

// Flush submits every remaining buffered sample regardless of readiness,
// then clears the buffer and tail. If the buffer is empty, it performs no
// work and returns an empty string.
func (s *Session) Flush(ctx context.Context) string {
	s.mu.Lock()
	nNew := len(s.buffer)
	s.mu.Unlock()
	if nNew == 0 {
		return ""
	}
	delta := s.runPass(ctx, nNew)

	s.mu.Lock()
	s.buffer = nil
	s.tail = nil
	s.mu.Unlock()

	return delta
}

// Reset clears all session state — buffer, tail, prompt tokens, and the last
// emitted transcript — so that subsequent output is unconditioned by prior
// context. Safe to call repeatedly; a second call is a no-op beyond
// refreshing last_run_at.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = nil
	s.tail = nil
	s.promptTokens = nil
	s.lastEmission = ""
	s.iteration = 0
	s.lastRunAt = s.now()
}

// runPass assembles the window for the first nNew buffered samples, removes
// them from the buffer, runs the engine outside the buffer lock, and returns
// the incremental delta. It is shared by DrainIfReady and Flush.
func (s *Session) runPass(ctx context.Context, nNew int) string {
	s.mu.Lock()
	nTake := min(len(s.tail), max(0, s.nKeep+s.nLen-nNew))
	window := assemble(s.tail, s.buffer, nNew, nTake)
	s.tail = window
	s.buffer = s.buffer[nNew:]
	s.lastRunAt = s.now()
	promptTokens := s.promptTokens
	bufLen := len(s.buffer)
	s.mu.Unlock()

	s.metrics.RecordBufferLength(bufLen)

	opts := s.engineOptions(promptTokens)
	start := s.now()
	result, err := s.engine.Transcribe(ctx, window, opts.PromptTokens, opts)
	s.metrics.RecordInferenceDuration(s.now().Sub(start))

	if err != nil {
		s.metrics.RecordOutcome("error")
		return ""
	}

	formatted := formatTranscript(result.Segments, s.params.NoTimestamps, s.params.Tinydiarize)

	s.mu.Lock()
	if !s.params.NoContext && len(result.Segments) > 0 {
		s.promptTokens = result.Tokens()
	}
	last := s.lastEmission
	s.lastEmission = formatted
	s.iteration++
	s.mu.Unlock()

	if formatted == "" {
		s.metrics.RecordOutcome("empty")
	} else {
		s.metrics.RecordOutcome("ok")
	}

	return delta(formatted, last)
}

// engineOptions translates params into recognizer.Options, following the
// mapping rules: beam search only when BeamSize > 1 (otherwise greedy),
// temperature forced to 0 under NoFallback, single_segment always true, and
// prompt tokens passed through only when context is enabled.
func (s *Session) engineOptions(promptTokens []int) recognizer.Options {
	temp := s.params.Temperature
	if s.params.NoFallback {
		temp = 0
	}
	opts := recognizer.Options{
		Language:      s.params.Language,
		Translate:     s.params.Translate,
		MaxTokens:     s.params.MaxTokens,
		Threads:       s.params.Threads,
		AudioContext:  s.params.AudioCtx,
		Diarize:       s.params.Tinydiarize,
		BeamSize:      s.params.BeamSize,
		Temperature:   temp,
		NoFallback:    s.params.NoFallback,
		SingleSegment: true,
	}
	if !s.params.NoContext {
		opts.PromptTokens = promptTokens
	}
	return opts
}

// assemble builds the window submitted to one inference pass: the last
// nTake samples of tail, followed by the first nNew samples of buffer. It is
// a pure function with no receiver so the window-assembly contract can be
// tested directly.
func assemble(tail, buffer []float32, nNew, nTake int) []float32 {
	window := make([]float32, 0, nTake+nNew)
	window = append(window, tail[len(tail)-nTake:]...)
	window = append(window, buffer[:nNew]...)
	return window
}

// formatTranscript renders segments into the transcript string stored as
// last_emission: each segment optionally prefixed with its [start --> end]
// timestamp, optionally suffixed with " [SPEAKER_TURN]" when diarization
// marking is enabled and the engine flagged a boundary, concatenated in
// order.
func formatTranscript(segments []recognizer.Segment, noTimestamps, tinydiarize bool) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(" ")
		}
		if !noTimestamps {
			b.WriteString(formatTimestamp(seg.Start, seg.End))
		}
		b.WriteString(seg.Text)
		if tinydiarize && seg.SpeakerTurn {
			b.WriteString(" [SPEAKER_TURN]")
		}
	}
	return b.String()
}

func formatTimestamp(start, end time.Duration) string {
	return fmt.Sprintf("[%s --> %s]  ", formatClock(start), formatClock(end))
}

func formatClock(d time.Duration) string {
	ms := d.Milliseconds()
	h := ms / 3600000
	ms %= 3600000
	m := ms / 60000
	ms %= 60000
	sec := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, ms)
}

// clean strips every bracketed [...] span from s and trims ASCII whitespace
// from both ends.
func clean(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// delta computes the incremental text to emit: the suffix of the current
// transcript not already present in the last one, following the
// bracket-stripped-prefix algorithm. Equal clean forms yield an empty delta;
// divergent clean forms yield the full current clean transcript.
func delta(current, last string) string {
	cc := clean(current)
	cl := clean(last)

	if cc == cl {
		return ""
	}
	if strings.HasPrefix(cc, cl) && len(cc) > len(cl) {
		return strings.TrimSpace(cc[len(cl):])
	}
	return cc
}
