package audio

import "sync"

// SampleRate is the fixed rate for all session audio. Clients stream 32-bit
// float mono PCM at this rate and every duration below derives from it.
const SampleRate = 16000

// Window management thresholds, in seconds of audio.
const (
	// maxBufferSeconds is the buffered length beyond which the oldest
	// audio is discarded before the next append.
	maxBufferSeconds = 45
	// trimSeconds is how much is discarded from the head on overflow.
	trimSeconds = 30
	// stallSeconds is the untranscribed backlog that triggers a clip.
	stallSeconds = 25
	// stallKeepSeconds is how much tail audio a clip leaves unconsumed.
	stallKeepSeconds = 5
)

// StreamWindow accumulates one session's PCM in a single contiguous slice and
// tracks two offsets measured in seconds: framesOffset, audio already
// discarded from the head, and timestampOffset, audio already consumed by the
// decoder. The receive goroutine appends while the decode goroutine takes
// chunks; every method locks, so both sides can call concurrently.
type StreamWindow struct {
	mu              sync.Mutex
	samples         []float32
	framesOffset    float64
	timestampOffset float64
}

// Append adds samples to the window. When the buffered audio already exceeds
// 45 s the oldest 30 s are dropped first and framesOffset advances by the same
// amount; if the drop overtakes timestampOffset the lost audio is treated as
// skipped and timestampOffset is raised to framesOffset rather than backfilled.
func (w *StreamWindow) Append(samples []float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) > maxBufferSeconds*SampleRate {
		w.framesOffset += trimSeconds
		kept := len(w.samples) - trimSeconds*SampleRate
		copy(w.samples, w.samples[trimSeconds*SampleRate:])
		w.samples = w.samples[:kept]
		if w.timestampOffset < w.framesOffset {
			w.timestampOffset = w.framesOffset
		}
	}
	w.samples = append(w.samples, samples...)
}

// ClipIfStalled fast-forwards the decode position when transcription has not
// kept up. Once more than 25 s of audio sit beyond timestampOffset the offset
// jumps so that only the last 5 s remain unconsumed.
func (w *StreamWindow) ClipIfStalled() {
	w.mu.Lock()
	defer w.mu.Unlock()
	consumed := int((w.timestampOffset - w.framesOffset) * SampleRate)
	if len(w.samples)-consumed > stallSeconds*SampleRate {
		total := Seconds(len(w.samples))
		w.timestampOffset = w.framesOffset + total - stallKeepSeconds
	}
}

// TakeChunk copies the unconsumed tail of the window and returns it together
// with its duration in seconds. The copy keeps later trims from mutating
// audio the decoder is still reading.
func (w *StreamWindow) TakeChunk() ([]float32, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	skip := int((w.timestampOffset - w.framesOffset) * SampleRate)
	if skip < 0 {
		skip = 0
	}
	if skip > len(w.samples) {
		skip = len(w.samples)
	}
	chunk := make([]float32, len(w.samples)-skip)
	copy(chunk, w.samples[skip:])
	return chunk, Seconds(len(chunk))
}

// Advance moves timestampOffset forward by d seconds of consumed audio.
func (w *StreamWindow) Advance(d float64) {
	w.mu.Lock()
	w.timestampOffset += d
	w.mu.Unlock()
}

// Empty reports whether no audio has been buffered yet.
func (w *StreamWindow) Empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples) == 0
}

// Duration returns the total buffered audio in seconds, not counting
// discarded head audio.
func (w *StreamWindow) Duration() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Seconds(len(w.samples))
}

// TimestampOffset returns the seconds of audio the decoder has consumed.
func (w *StreamWindow) TimestampOffset() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timestampOffset
}

// FramesOffset returns the seconds of audio discarded from the head.
func (w *StreamWindow) FramesOffset() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framesOffset
}
