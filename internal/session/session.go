// Package session runs the per-client transcription loop.
//
// A Session owns one client's audio window and drives it through a
// Transcriber: take the undecoded tail of the window, run inference, commit
// the segments the engine has finished with, advance the window past them,
// repeat. Because the tail is re-submitted until it settles, the client sees
// a live partial that firms up over successive updates.
//
// Results flow two ways: every update goes to the client Stream, and the
// same segments fan out to the Publisher for durable storage. The publisher
// path is best-effort; a broker outage never stalls the client.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jasonkneen/vexa/internal/config"
	"github.com/jasonkneen/vexa/internal/observe"
	"github.com/jasonkneen/vexa/pkg/audio"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
	"github.com/jasonkneen/vexa/pkg/types"
)

// Decode-loop tuning.
const (
	// noSpeechThreshold filters out segments the engine itself believes
	// contain no speech.
	noSpeechThreshold = 0.45

	// sameOutputThreshold is how many consecutive identical partials are
	// tolerated before the partial is promoted to a completed segment, so
	// a decode that stops changing cannot hold the window forever.
	sameOutputThreshold = 10

	// showPrevOutThreshold keeps replaying the last output after speech
	// stops so the client does not blank out the moment a pause begins.
	showPrevOutThreshold = 5 * time.Second

	// addPauseThreshold is the silence span after which a blank entry
	// marks the pause in the committed text.
	addPauseThreshold = 3 * time.Second

	// sendLastNSegments caps how much history each client update carries.
	sendLastNSegments = 10

	// languageAdoptMinProb gates locking in a detected language.
	languageAdoptMinProb = 0.5
)

// Loop pacing. Each wait yields to Stop and context cancellation.
const (
	emptyWindowPause = 20 * time.Millisecond
	shortChunkPause  = 100 * time.Millisecond
	noLanguagePause  = 250 * time.Millisecond
	decodeErrorPause = 10 * time.Millisecond
	repeatPause      = 100 * time.Millisecond
)

// Minimum audio, in seconds, worth submitting to the engine.
const (
	minChunkFasterWhisper = 1.0
	minChunkTensorRT      = 0.4
)

// Stream delivers JSON messages to the connected client. Implementations
// must serialize concurrent sends; the decode loop and the connection's
// receive loop may both write.
type Stream interface {
	Send(ctx context.Context, v any) error
}

// Publisher fans session events out to the durable event log.
// Implementations must not block on broker outages.
type Publisher interface {
	PublishSessionStart(ctx context.Context, token, platform, meetingID, uid string) error
	PublishTranscription(ctx context.Context, token, platform, meetingID, uid string, segments []types.Segment) error
}

// Config assembles a Session. Transcriber and Stream are required; every
// other field has a usable zero value.
type Config struct {
	// UID identifies the session on the wire. Empty generates one.
	UID string

	// Token, Platform, MeetingID and MeetingURL describe the meeting this
	// session transcribes. They are attached to every event-log record.
	Token      string
	Platform   string
	MeetingID  string
	MeetingURL string

	// Language pins transcription to a language code. Empty lets the
	// engine detect one from the first confident chunk.
	Language string

	// Task is "transcribe" or "translate". Empty means transcribe.
	Task string

	// InitialPrompt biases decoding toward the given text.
	InitialPrompt string

	// UseVAD asks the engine to run its internal voice filter.
	UseVAD bool

	// Backend tunes the decode cadence and appears in logs.
	Backend config.Backend

	// Transcriber runs inference. Required.
	Transcriber stt.Transcriber

	// Stream delivers messages to the client. Required.
	Stream Stream

	// Publisher receives session events. Nil disables fan-out.
	Publisher Publisher

	// Metrics overrides the default instrument set.
	Metrics *observe.Metrics
}

// Session is one client's decode state: the audio window, the growing
// transcript and the repetition bookkeeping that decides when a partial is
// final. Create one with New, feed it via AddAudio and run it with Start.
type Session struct {
	uid        string
	token      string
	platform   string
	meetingID  string
	meetingURL string

	task          string
	initialPrompt string
	useVAD        bool
	backend       config.Backend
	minChunkSec   float64

	transcriber stt.Transcriber
	stream      Stream
	publisher   Publisher
	metrics     *observe.Metrics

	window *audio.StreamWindow

	mu               sync.Mutex
	language         string
	languageProb     float64
	transcript       []types.Segment // completed segments, session-relative times
	committed        []string        // committed text in order, "" marks a pause
	prevOut          string
	sameOutputCount  int
	sameOutputEnd    float64
	sameOutputEndSet bool
	quietSince       time.Time
	eos              bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New validates cfg and builds a Session. The decode loop does not start
// until Start is called.
func New(cfg Config) (*Session, error) {
	if cfg.Transcriber == nil {
		return nil, errors.New("session: Transcriber is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("session: Stream is required")
	}

	uid := cfg.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	task := cfg.Task
	if task == "" {
		task = string(config.TaskTranscribe)
	}
	minChunk := minChunkFasterWhisper
	if cfg.Backend == config.BackendTensorRT {
		minChunk = minChunkTensorRT
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Session{
		uid:           uid,
		token:         cfg.Token,
		platform:      cfg.Platform,
		meetingID:     cfg.MeetingID,
		meetingURL:    cfg.MeetingURL,
		task:          task,
		initialPrompt: cfg.InitialPrompt,
		useVAD:        cfg.UseVAD,
		backend:       cfg.Backend,
		minChunkSec:   minChunk,
		transcriber:   cfg.Transcriber,
		stream:        cfg.Stream,
		publisher:     cfg.Publisher,
		metrics:       metrics,
		window:        &audio.StreamWindow{},
		language:      cfg.Language,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// UID returns the session identifier used on the wire.
func (s *Session) UID() string { return s.uid }

// Language returns the active transcription language, or "" while detection
// is still pending.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// AddAudio appends decoded PCM samples to the session's window. Safe to call
// while the decode loop runs.
func (s *Session) AddAudio(samples []float32) {
	s.window.Append(samples)
}

// SetEOS records (or clears) end-of-speech as decided by the caller's voice
// gate or an explicit end-of-audio signal.
func (s *Session) SetEOS(eos bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eos = eos
}

// EOS reports whether end-of-speech is currently signalled.
func (s *Session) EOS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

// Start launches the decode loop in its own goroutine. It returns
// immediately; Done is closed when the loop exits.
func (s *Session) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Stop asks the decode loop to exit. It does not wait; use Done. Safe to
// call multiple times and before Start.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the decode loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run(ctx context.Context) {
	log := slog.With("uid", s.uid, "backend", string(s.backend))
	log.Info("decode loop started")
	defer log.Info("decode loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		if s.window.Empty() {
			if !s.pause(ctx, emptyWindowPause) {
				return
			}
			continue
		}

		s.window.ClipIfStalled()

		chunk, duration := s.window.TakeChunk()
		if duration == 0 || (duration < s.minChunkSec && !s.flushReady()) {
			if !s.pause(ctx, shortChunkPause) {
				return
			}
			continue
		}

		segments, info, err := s.transcribe(ctx, chunk)
		if err != nil {
			log.Error("transcription failed", "error", err)
			if !s.pause(ctx, decodeErrorPause) {
				return
			}
			continue
		}

		s.adoptLanguage(ctx, info)
		if s.Language() == "" {
			// Until the language settles the engine output is not
			// trustworthy. Skip past this chunk and wait for more
			// voice.
			s.window.Advance(duration)
			if !s.pause(ctx, noLanguagePause) {
				return
			}
			continue
		}

		s.handleResult(ctx, segments, duration)
	}
}

// flushReady reports whether a short tail should be decoded anyway. TensorRT
// engines flush on end-of-speech instead of waiting for more audio.
func (s *Session) flushReady() bool {
	return s.backend == config.BackendTensorRT && s.EOS()
}

// pause sleeps for d unless the session is stopped or the context is
// cancelled first. It reports whether the loop should keep running.
func (s *Session) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) transcribe(ctx context.Context, chunk []float32) ([]stt.Segment, stt.Info, error) {
	opts := stt.Options{
		Language:      s.Language(),
		Task:          s.task,
		InitialPrompt: s.initialPrompt,
		UseVAD:        s.useVAD,
	}

	ctx, span := observe.StartSpan(ctx, "transcribe",
		trace.WithAttributes(observe.Attr("uid", s.uid)))
	defer span.End()

	start := time.Now()
	segments, info, err := s.transcriber.Transcribe(ctx, chunk, opts)
	s.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", string(s.backend))))
	return segments, info, err
}

// adoptLanguage locks in the detected language once the engine is confident
// enough, notifying the client the first time.
func (s *Session) adoptLanguage(ctx context.Context, info stt.Info) {
	s.mu.Lock()
	if s.language != "" || info.Language == "" || info.LanguageProb <= languageAdoptMinProb {
		s.mu.Unlock()
		return
	}
	s.language = info.Language
	s.languageProb = info.LanguageProb
	s.mu.Unlock()

	slog.Info("language detected",
		"uid", s.uid, "language", info.Language, "probability", info.LanguageProb)
	msg := types.LanguageMessage{UID: s.uid, Language: info.Language, LanguageProb: info.LanguageProb}
	if err := s.stream.Send(ctx, msg); err != nil {
		slog.Warn("language notification not delivered", "uid", s.uid, "error", err)
	}
}
