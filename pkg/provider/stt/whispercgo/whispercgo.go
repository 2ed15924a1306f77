// Package whispercgo provides a Transcriber backed by the whisper.cpp CGO
// bindings, eliminating HTTP overhead entirely. The whisper.cpp static
// library (libwhisper.a) and headers (whisper.h) must be available at link
// time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared by every Transcribe
// call; each call creates its own whisper context, so concurrent calls are
// safe but hold separate decoder state. Wrap with stt.Serialized when the
// host cannot afford more than one inference at a time.
package whispercgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/jasonkneen/vexa/pkg/provider/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

const defaultLanguage = "en"

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the language used when a call does not carry one. The
// bindings cannot auto-detect, so untagged sessions fall back to this value.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// Transcriber implements stt.Transcriber using the whisper.cpp Go bindings.
type Transcriber struct {
	model    whisperlib.Model
	language string
}

// New creates a Transcriber that loads the whisper.cpp model from the given
// file path. The caller must call Close when the Transcriber is no longer
// needed.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("whispercgo: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercgo: load model %q: %w", modelPath, err)
	}

	t := &Transcriber{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the loaded model. The Transcriber must not be used after
// Close returns.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over samples using a fresh context
// and returns the recognised segments in chunk-relative time. The bindings
// report neither no-speech probabilities nor language confidence; segments
// carry a zero NoSpeechProb and the effective language is reported with
// confidence 1.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, opts stt.Options) ([]stt.Segment, stt.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.Info{}, fmt.Errorf("whispercgo: context already cancelled: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = t.language
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := t.model.NewContext()
	if err != nil {
		return nil, stt.Info{}, fmt.Errorf("whispercgo: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whispercgo: failed to set language, using default", "language", lang, "error", err)
	}
	wctx.SetTranslate(opts.Task == "translate")

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, stt.Info{}, fmt.Errorf("whispercgo: process audio: %w", err)
	}

	var segments []stt.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stt.Info{}, fmt.Errorf("whispercgo: read segment: %w", err)
		}
		segments = append(segments, stt.Segment{
			Start: segment.Start.Seconds(),
			End:   segment.End.Seconds(),
			Text:  segment.Text,
		})
	}

	return segments, stt.Info{Language: lang, LanguageProb: 1}, nil
}
