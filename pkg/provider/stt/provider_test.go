package stt_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jasonkneen/vexa/pkg/provider/stt"
)

// funcTranscriber adapts a plain function to the Transcriber interface.
type funcTranscriber func(ctx context.Context, samples []float32, opts stt.Options) ([]stt.Segment, stt.Info, error)

func (f funcTranscriber) Transcribe(ctx context.Context, samples []float32, opts stt.Options) ([]stt.Segment, stt.Info, error) {
	return f(ctx, samples, opts)
}

func TestSerialized_OneInferenceAtATime(t *testing.T) {
	var active atomic.Int32
	var violated atomic.Bool
	inner := funcTranscriber(func(context.Context, []float32, stt.Options) ([]stt.Segment, stt.Info, error) {
		if active.Add(1) > 1 {
			violated.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil, stt.Info{}, nil
	})

	s := stt.Serialized(inner)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Transcribe(context.Background(), nil, stt.Options{})
		}()
	}
	wg.Wait()

	if violated.Load() {
		t.Error("observed concurrent inference through Serialized")
	}
}
