// Package mock provides a deterministic test double for recognizer.Engine.
package mock

import (
	"context"
	"sync"

	"github.com/arcbeam/sttgateway/internal/recognizer"
)

// TranscribeCall records a single invocation of Engine.Transcribe.
type TranscribeCall struct {
	Samples      []float32
	PromptTokens []int
	Opts         recognizer.Options
}

// Engine is a mock implementation of recognizer.Engine. Results are served in
// FIFO order from the Results queue; once exhausted, Err (or a zero Result)
// is returned for every subsequent call.
type Engine struct {
	mu sync.Mutex

	// Results is the queue of canned results returned on successive calls.
	Results []recognizer.Result

	// Err, if non-nil, is returned instead of a Result once Results is
	// exhausted.
	Err error

	// Calls records every Transcribe invocation, in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next canned Result, or Err
// once the queue is exhausted.
func (e *Engine) Transcribe(_ context.Context, samples []float32, promptTokens []int, opts recognizer.Options) (recognizer.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Calls = append(e.Calls, TranscribeCall{Samples: samples, PromptTokens: promptTokens, Opts: opts})

	if len(e.Results) == 0 {
		if e.Err != nil {
			return recognizer.Result{}, e.Err
		}
		return recognizer.Result{}, nil
	}
	r := e.Results[0]
	e.Results = e.Results[1:]
	return r, nil
}

// CallCount returns the number of Transcribe invocations recorded so far.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// Compile-time assertion that Engine satisfies recognizer.Engine.
var _ recognizer.Engine = (*Engine)(nil)
