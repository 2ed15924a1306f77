// Package mock provides a test double for the vad.Detector interface.
//
// Script per-frame decisions by queueing them in order; once the script is
// exhausted every call returns Default.
package mock

import (
	"sync"

	"github.com/jasonkneen/vexa/pkg/provider/vad"
)

// IsVoiceCall records a single invocation of Detector.IsVoice.
type IsVoiceCall struct {
	// Frame is a copy of the samples passed to IsVoice.
	Frame []float32
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Default is returned when the queue is empty.
	Default bool

	// Err, if non-nil, is returned by every IsVoice call.
	Err error

	queue []bool

	// IsVoiceCalls records every call to IsVoice in order.
	IsVoiceCalls []IsVoiceCall
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)

// Enqueue appends scripted decisions. Thread-safe.
func (d *Detector) Enqueue(voiced ...bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, voiced...)
}

// IsVoice records the call and returns the next scripted decision, falling
// back to Default when the script is exhausted.
func (d *Detector) IsVoice(frame []float32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]float32, len(frame))
	copy(cp, frame)
	d.IsVoiceCalls = append(d.IsVoiceCalls, IsVoiceCall{Frame: cp})

	v := d.Default
	if len(d.queue) > 0 {
		v = d.queue[0]
		d.queue = d.queue[1:]
	}
	return v, d.Err
}

// CallCount returns the number of IsVoice calls so far. Thread-safe.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.IsVoiceCalls)
}

// Reset clears all recorded calls and any unconsumed script. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IsVoiceCalls = nil
	d.queue = nil
}
