// Package mock provides a test double for the stt.Transcriber interface.
//
// Transcriber pops one scripted Result per Transcribe call and records every
// call it receives. Script a decode loop by queueing results in order:
//
//	tr := &mock.Transcriber{}
//	tr.Enqueue(mock.Result{
//	    Segments: []stt.Segment{{Start: 0, End: 1, Text: "hello", NoSpeechProb: 0.1}},
//	    Info:     stt.Info{Language: "en", LanguageProb: 0.99},
//	})
package mock

import (
	"context"
	"sync"

	"github.com/jasonkneen/vexa/pkg/provider/stt"
)

// Result is one scripted Transcribe outcome.
type Result struct {
	Segments []stt.Segment
	Info     stt.Info
	Err      error
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the chunk passed to Transcribe.
	Samples []float32
	// Opts is the Options value passed to Transcribe.
	Opts stt.Options
}

// Transcriber is a mock implementation of stt.Transcriber. Queued results are
// returned in order; once the queue is empty every call returns Default.
type Transcriber struct {
	mu sync.Mutex

	// Default is returned when the queue is empty.
	Default Result

	queue []Result

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// Enqueue appends results to the script. Thread-safe.
func (t *Transcriber) Enqueue(results ...Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, results...)
}

// Transcribe records the call and returns the next scripted Result, falling
// back to Default when the script is exhausted.
func (t *Transcriber) Transcribe(_ context.Context, samples []float32, opts stt.Options) ([]stt.Segment, stt.Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{Samples: cp, Opts: opts})

	r := t.Default
	if len(t.queue) > 0 {
		r = t.queue[0]
		t.queue = t.queue[1:]
	}
	return r.Segments, r.Info, r.Err
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// Reset clears all recorded calls and any unconsumed script. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.queue = nil
}
