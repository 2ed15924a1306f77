package stt

// Segment is one transcribed span within a chunk. Start and End are seconds
// relative to the chunk the transcriber was given, not to the session.
type Segment struct {
	// Start is the segment start in seconds from the chunk start.
	Start float64

	// End is the segment end in seconds from the chunk start.
	End float64

	// Text is the transcribed speech content.
	Text string

	// NoSpeechProb is the model's probability (0.0–1.0) that the span
	// contains no speech. Zero when the backend does not report it.
	NoSpeechProb float64
}

// Info carries chunk-level metadata reported alongside the segments.
type Info struct {
	// Language is the language the backend detected or was told to use.
	// Empty when the backend could not decide.
	Language string

	// LanguageProb is the backend's confidence in Language (0.0–1.0).
	// Backends that report a language without a confidence use 1.0.
	LanguageProb float64
}

// Options are per-call recognition hints. Backends ignore hints they do not
// support.
type Options struct {
	// Language is the language code to transcribe in (e.g. "en", "de").
	// Empty lets the backend auto-detect, if it can.
	Language string

	// Task selects between "transcribe" and "translate".
	Task string

	// InitialPrompt biases decoding toward the given text.
	InitialPrompt string

	// UseVAD asks the backend to run its internal voice filter, when it
	// has one.
	UseVAD bool
}
