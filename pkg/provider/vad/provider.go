// Package vad defines the Detector interface for voice activity detection.
//
// A Detector answers one question per frame: does this PCM contain speech?
// The gateway uses it to gate which frames reach a session's window and to
// track silence streaks for end-of-speech signalling.
//
// Implementations must be safe for concurrent use across sessions.
package vad

// Detector decides whether a frame of 16 kHz mono float32 PCM contains
// speech.
type Detector interface {
	// IsVoice reports whether the frame contains voice activity. Errors
	// are reserved for model-backed detectors that can fail at inference
	// time; callers should treat an error as "voice present" so speech is
	// never dropped on a detector failure.
	IsVoice(frame []float32) (bool, error)
}
