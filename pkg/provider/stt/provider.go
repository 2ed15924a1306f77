// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber wraps a batch ASR engine (a whisper.cpp server, the native
// CGO bindings, or a test double) behind a single call: hand it a chunk of
// 16 kHz mono float32 PCM and get back zero or more timestamped segments plus
// chunk-level language info. Streaming behaviour is built on top by the
// session decode loop, which re-submits a growing window of audio.
//
// Implementations must be safe for concurrent use. Backends that can only run
// one inference at a time should be wrapped with Serialized.
package stt

import (
	"context"
	"sync"
)

// Transcriber is the abstraction over any batch ASR backend.
type Transcriber interface {
	// Transcribe runs inference over samples (16 kHz mono float32 PCM) and
	// returns the recognised segments in chunk-relative time. An empty
	// segment slice with a nil error is a valid "heard nothing" result.
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, Info, error)
}

// Serialized wraps t so that only one Transcribe call runs at a time. Use it
// when several sessions share a single loaded model that is not safe for
// concurrent inference.
func Serialized(t Transcriber) Transcriber {
	return &serialized{inner: t}
}

type serialized struct {
	mu    sync.Mutex
	inner Transcriber
}

var _ Transcriber = (*serialized)(nil)

func (s *serialized) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Transcribe(ctx, samples, opts)
}
