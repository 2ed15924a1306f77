// Package types defines the wire types shared across the vexa packages.
//
// These types form the lingua franca between the gateway, the session decode
// loop, and the event-log publisher. Each package defines its own domain
// types; only the JSON shapes that cross the WebSocket or land on the event
// log live here, so nothing below pkg/ has to import the packages above it.
package types

import "strconv"

// Protocol constants exchanged with clients. Values are part of the wire
// protocol and must not change.
const (
	// MessageServerReady announces a fully admitted session.
	MessageServerReady = "SERVER_READY"

	// MessageDisconnect tells a client its session exceeded the maximum
	// connection time and the server is about to close the stream.
	MessageDisconnect = "DISCONNECT"

	// StatusError marks a status message carrying an error description.
	StatusError = "ERROR"

	// StatusWait marks a status message carrying an estimated wait in
	// minutes while the server is at capacity.
	StatusWait = "WAIT"

	// EndOfAudio is the in-band sentinel a client sends instead of a PCM
	// frame to signal that no more audio will follow.
	EndOfAudio = "END_OF_AUDIO"
)

// Segment is one line of transcript in the shape clients receive and the
// event log stores. Start and End are absolute stream offsets in seconds,
// rendered with exactly three decimal places so that downstream consumers
// can compare them textually.
type Segment struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// NewSegment builds a Segment from start and end offsets in seconds.
func NewSegment(start, end float64, text string, completed bool) Segment {
	return Segment{
		Start:     FormatTimestamp(start),
		End:       FormatTimestamp(end),
		Text:      text,
		Completed: completed,
	}
}

// FormatTimestamp renders a stream offset in seconds with a fixed three
// decimal places, e.g. 1.5 → "1.500".
func FormatTimestamp(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// TranscriptMessage carries a window of transcript segments to a client.
type TranscriptMessage struct {
	UID      string    `json:"uid"`
	Segments []Segment `json:"segments"`
}

// LanguageMessage reports the detected language once per session when the
// handshake left the language unset.
type LanguageMessage struct {
	UID          string  `json:"uid"`
	Language     string  `json:"language"`
	LanguageProb float64 `json:"language_prob"`
}

// ReadyMessage is sent exactly once after a successful handshake.
type ReadyMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
	Backend string `json:"backend"`
}

// ErrorMessage reports a handshake or protocol failure to the client.
// Status is always [StatusError].
type ErrorMessage struct {
	UID     string `json:"uid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WaitMessage tells a client the server is at capacity. Message is the
// estimated wait in minutes. Status is always [StatusWait].
type WaitMessage struct {
	UID     string  `json:"uid"`
	Status  string  `json:"status"`
	Message float64 `json:"message"`
}

// DisconnectMessage notifies a client that the server is closing its
// session. Message is always [MessageDisconnect].
type DisconnectMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
}
