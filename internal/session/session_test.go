package session

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/jasonkneen/vexa/internal/config"
	"github.com/jasonkneen/vexa/internal/observe"
	"github.com/jasonkneen/vexa/pkg/audio"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
	sttmock "github.com/jasonkneen/vexa/pkg/provider/stt/mock"
	"github.com/jasonkneen/vexa/pkg/types"
)

// --- Test doubles ---

type fakeStream struct {
	mu   sync.Mutex
	err  error
	msgs []any
}

func (f *fakeStream) Send(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, v)
	return nil
}

func (f *fakeStream) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.msgs)
}

func (f *fakeStream) transcripts() []types.TranscriptMessage {
	var out []types.TranscriptMessage
	for _, m := range f.messages() {
		if tm, ok := m.(types.TranscriptMessage); ok {
			out = append(out, tm)
		}
	}
	return out
}

func (f *fakeStream) languages() []types.LanguageMessage {
	var out []types.LanguageMessage
	for _, m := range f.messages() {
		if lm, ok := m.(types.LanguageMessage); ok {
			out = append(out, lm)
		}
	}
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	starts    []string
	published [][]types.Segment
}

func (f *fakePublisher) PublishSessionStart(_ context.Context, _, _, _, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, uid)
	return nil
}

func (f *fakePublisher) PublishTranscription(_ context.Context, _, _, _, _ string, segments []types.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, slices.Clone(segments))
	return nil
}

func (f *fakePublisher) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// --- Helpers ---

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Transcriber == nil {
		cfg.Transcriber = &sttmock.Transcriber{}
	}
	if cfg.Stream == nil {
		cfg.Stream = &fakeStream{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics(t)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// --- Construction ---

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Stream: &fakeStream{}})
	if err == nil {
		t.Error("expected error without a transcriber")
	}

	_, err = New(Config{Transcriber: &sttmock.Transcriber{}})
	if err == nil {
		t.Error("expected error without a stream")
	}
}

func TestNew_GeneratesUID(t *testing.T) {
	s := newTestSession(t, Config{})
	if s.UID() == "" {
		t.Error("UID should be generated when the config leaves it empty")
	}

	s = newTestSession(t, Config{UID: "client-7"})
	if got, want := s.UID(), "client-7"; got != want {
		t.Errorf("UID = %q, want %q", got, want)
	}
}

// --- Segment assembly ---

func TestUpdateTranscript_CommitsCompletedSegments(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.AddAudio(make([]float32, 4*audio.SampleRate))

	segs := []stt.Segment{
		{Start: 0, End: 1.5, Text: "hello there", NoSpeechProb: 0.1},
		{Start: 1.5, End: 3.0, Text: "general", NoSpeechProb: 0.1},
	}
	last := s.updateTranscript(context.Background(), segs, 4.0)

	if last == nil {
		t.Fatal("expected a trailing partial")
	}
	want := types.Segment{Start: "1.500", End: "3.000", Text: "general", Completed: false}
	if *last != want {
		t.Errorf("partial = %+v, want %+v", *last, want)
	}

	if got := len(s.transcript); got != 1 {
		t.Fatalf("transcript has %d segments, want 1", got)
	}
	wantDone := types.Segment{Start: "0.000", End: "1.500", Text: "hello there", Completed: true}
	if s.transcript[0] != wantDone {
		t.Errorf("committed segment = %+v, want %+v", s.transcript[0], wantDone)
	}

	if got := s.window.TimestampOffset(); !almostEqual(got, 1.5) {
		t.Errorf("window offset = %v, want 1.5", got)
	}
	if got, want := s.prevOut, "general"; got != want {
		t.Errorf("prevOut = %q, want %q", got, want)
	}
}

func TestUpdateTranscript_NoSpeechTailDropsEverything(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.AddAudio(make([]float32, 4*audio.SampleRate))

	segs := []stt.Segment{
		{Start: 0, End: 1.5, Text: "hello", NoSpeechProb: 0.1},
		{Start: 1.5, End: 3.0, Text: "noise", NoSpeechProb: 0.9},
	}
	last := s.updateTranscript(context.Background(), segs, 4.0)

	if last != nil {
		t.Errorf("partial = %+v, want nil for a no-speech tail", *last)
	}
	if got := len(s.transcript); got != 0 {
		t.Errorf("transcript has %d segments, want 0", got)
	}
	if got := s.window.TimestampOffset(); !almostEqual(got, 0) {
		t.Errorf("window offset = %v, want 0", got)
	}
}

func TestUpdateTranscript_SkipsNoSpeechMiddleSegment(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.AddAudio(make([]float32, 6*audio.SampleRate))

	segs := []stt.Segment{
		{Start: 0, End: 1.0, Text: "one", NoSpeechProb: 0.1},
		{Start: 1.0, End: 2.0, Text: "hmm", NoSpeechProb: 0.8},
		{Start: 2.0, End: 2.5, Text: "two", NoSpeechProb: 0.1},
	}
	s.updateTranscript(context.Background(), segs, 6.0)

	// Both texts are committed for duplicate tracking, but only the voiced
	// one lands in the transcript.
	if got, want := len(s.committed), 2; got != want {
		t.Errorf("committed %d texts, want %d", got, want)
	}
	if got := len(s.transcript); got != 1 {
		t.Fatalf("transcript has %d segments, want 1", got)
	}
	if got, want := s.transcript[0].Text, "one"; got != want {
		t.Errorf("transcript[0].Text = %q, want %q", got, want)
	}
	if got := s.window.TimestampOffset(); !almostEqual(got, 1.0) {
		t.Errorf("window offset = %v, want 1.0", got)
	}
}

func TestUpdateTranscript_PromotesRepeatedPartial(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.AddAudio(make([]float32, 2*audio.SampleRate))

	ctx := context.Background()
	segs := []stt.Segment{{Start: 0, End: 1.0, Text: "uh", NoSpeechProb: 0.1}}

	for i := 0; i < 11; i++ {
		if last := s.updateTranscript(ctx, segs, 2.0); last == nil {
			t.Fatalf("call %d: partial promoted too early", i+1)
		}
	}

	// The 12th identical call crosses the repetition threshold.
	if last := s.updateTranscript(ctx, segs, 2.0); last != nil {
		t.Errorf("promotion should clear the partial, got %+v", *last)
	}

	if got := len(s.transcript); got != 1 {
		t.Fatalf("transcript has %d segments, want 1", got)
	}
	want := types.Segment{Start: "0.000", End: "1.000", Text: "uh", Completed: true}
	if s.transcript[0] != want {
		t.Errorf("promoted segment = %+v, want %+v", s.transcript[0], want)
	}
	if got := s.window.TimestampOffset(); !almostEqual(got, 1.0) {
		t.Errorf("window offset = %v, want 1.0", got)
	}
	if got := s.sameOutputCount; got != 0 {
		t.Errorf("sameOutputCount = %d, want 0 after promotion", got)
	}
}

func TestUpdateTranscript_PromotionSkipsDuplicateText(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.AddAudio(make([]float32, 4*audio.SampleRate))

	ctx := context.Background()

	// Commit "uh" once through the normal path.
	s.updateTranscript(ctx, []stt.Segment{
		{Start: 0, End: 1.0, Text: "uh", NoSpeechProb: 0.1},
		{Start: 1.0, End: 1.8, Text: "uh", NoSpeechProb: 0.1},
	}, 2.0)
	if got := len(s.transcript); got != 1 {
		t.Fatalf("transcript has %d segments, want 1", got)
	}

	// Now let the tail repeat past the threshold. The text matches the
	// last committed entry, so no duplicate lands in the transcript, but
	// the window still moves on.
	repeat := []stt.Segment{{Start: 0, End: 0.8, Text: "uh", NoSpeechProb: 0.1}}
	for i := 0; i < 11; i++ {
		s.updateTranscript(ctx, repeat, 2.0)
	}

	if got := len(s.transcript); got != 1 {
		t.Errorf("transcript has %d segments, want 1 (duplicate suppressed)", got)
	}
	if got := s.window.TimestampOffset(); !almostEqual(got, 1.8) {
		t.Errorf("window offset = %v, want 1.8", got)
	}
}

// --- Pause handling ---

func TestPreviousOutput_ReplaysRecentTranscript(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.AddAudio(make([]float32, 4*audio.SampleRate))
	s.updateTranscript(context.Background(), []stt.Segment{
		{Start: 0, End: 1.0, Text: "hello", NoSpeechProb: 0.1},
		{Start: 1.0, End: 1.5, Text: "world", NoSpeechProb: 0.1},
	}, 4.0)

	out := s.previousOutput()
	if len(out) != 1 {
		t.Fatalf("replay has %d segments, want 1", len(out))
	}
	if got, want := out[0].Text, "hello"; got != want {
		t.Errorf("replayed text = %q, want %q", got, want)
	}
	if s.quietSince.IsZero() {
		t.Error("quietSince should be anchored on the first silent result")
	}
}

func TestPreviousOutput_MarksLongPause(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	s.committed = []string{"hello"}
	s.quietSince = time.Now().Add(-6 * time.Second)

	out := s.previousOutput()
	if out != nil {
		t.Errorf("replay after %v of silence should be empty, got %d segments", 6*time.Second, len(out))
	}
	if got := s.committed[len(s.committed)-1]; got != "" {
		t.Errorf("last committed entry = %q, want pause marker", got)
	}

	// A second silent pass must not stack another marker.
	s.previousOutput()
	if got, want := len(s.committed), 2; got != want {
		t.Errorf("committed has %d entries, want %d", got, want)
	}
}

func TestPrepareResponse_CapsHistory(t *testing.T) {
	s := newTestSession(t, Config{Language: "en"})
	for i := 0; i < 15; i++ {
		s.transcript = append(s.transcript,
			types.NewSegment(float64(i), float64(i+1), "seg", true))
	}

	out := s.prepareResponse(nil)
	if got, want := len(out), sendLastNSegments; got != want {
		t.Fatalf("response has %d segments, want %d", got, want)
	}
	if got, want := out[0].Start, "5.000"; got != want {
		t.Errorf("oldest segment starts at %q, want %q", got, want)
	}

	partial := types.NewSegment(15, 15.5, "tail", false)
	out = s.prepareResponse(&partial)
	if got, want := len(out), sendLastNSegments+1; got != want {
		t.Fatalf("response has %d segments, want %d", got, want)
	}
	if last := out[len(out)-1]; last.Completed || last.Text != "tail" {
		t.Errorf("trailing entry = %+v, want the partial", last)
	}
}

// --- Language adoption ---

func TestAdoptLanguage(t *testing.T) {
	stream := &fakeStream{}
	s := newTestSession(t, Config{UID: "u1", Stream: stream})

	ctx := context.Background()

	s.adoptLanguage(ctx, stt.Info{Language: "en", LanguageProb: 0.3})
	if got := s.Language(); got != "" {
		t.Errorf("language = %q, want unset below the confidence gate", got)
	}

	s.adoptLanguage(ctx, stt.Info{Language: "en", LanguageProb: 0.9})
	if got, want := s.Language(), "en"; got != want {
		t.Errorf("language = %q, want %q", got, want)
	}

	s.adoptLanguage(ctx, stt.Info{Language: "de", LanguageProb: 0.99})
	if got, want := s.Language(), "en"; got != want {
		t.Errorf("language = %q, want %q (first adoption wins)", got, want)
	}

	langs := stream.languages()
	if len(langs) != 1 {
		t.Fatalf("client got %d language messages, want 1", len(langs))
	}
	want := types.LanguageMessage{UID: "u1", Language: "en", LanguageProb: 0.9}
	if langs[0] != want {
		t.Errorf("language message = %+v, want %+v", langs[0], want)
	}
}

// --- Output fan-out ---

func TestSendResponse_StreamErrorSkipsPublisher(t *testing.T) {
	stream := &fakeStream{err: errors.New("socket closed")}
	pub := &fakePublisher{}
	s := newTestSession(t, Config{Stream: stream, Publisher: pub})

	s.sendResponse(context.Background(), []types.Segment{
		types.NewSegment(0, 1, "hello", true),
	})

	if got := pub.publishCount(); got != 0 {
		t.Errorf("publisher got %d updates, want 0 when the client send fails", got)
	}
}

// --- Decode loop ---

func TestDecodeLoop_StreamsSegments(t *testing.T) {
	tr := &sttmock.Transcriber{}
	tr.Enqueue(sttmock.Result{
		Segments: []stt.Segment{
			{Start: 0, End: 1.2, Text: "hello world", NoSpeechProb: 0.1},
			{Start: 1.2, End: 1.9, Text: "and", NoSpeechProb: 0.1},
		},
		Info: stt.Info{Language: "en", LanguageProb: 0.97},
	})

	stream := &fakeStream{}
	pub := &fakePublisher{}
	s := newTestSession(t, Config{
		UID:         "u1",
		Token:       "tok",
		Platform:    "platform",
		MeetingID:   "m1",
		Transcriber: tr,
		Stream:      stream,
		Publisher:   pub,
	})

	s.AddAudio(make([]float32, 2*audio.SampleRate))
	s.Start(context.Background())

	waitFor(t, "first transcript", func() bool { return len(stream.transcripts()) > 0 })
	waitFor(t, "event log fan-out", func() bool { return pub.publishCount() > 0 })

	s.Stop()
	<-s.Done()

	if got, want := len(tr.TranscribeCalls), 1; got < want {
		t.Fatalf("transcriber called %d times, want at least %d", got, want)
	}
	first := tr.TranscribeCalls[0].Opts
	if first.Language != "" {
		t.Errorf("first call language = %q, want auto-detect", first.Language)
	}
	if got, want := first.Task, "transcribe"; got != want {
		t.Errorf("task = %q, want %q", got, want)
	}

	langs := stream.languages()
	if len(langs) != 1 || langs[0].Language != "en" {
		t.Fatalf("language messages = %+v, want one adoption of en", langs)
	}

	tm := stream.transcripts()[0]
	if got, want := tm.UID, "u1"; got != want {
		t.Errorf("transcript uid = %q, want %q", got, want)
	}
	if len(tm.Segments) != 2 {
		t.Fatalf("first update has %d segments, want 2", len(tm.Segments))
	}
	wantDone := types.Segment{Start: "0.000", End: "1.200", Text: "hello world", Completed: true}
	if tm.Segments[0] != wantDone {
		t.Errorf("completed segment = %+v, want %+v", tm.Segments[0], wantDone)
	}
	if tm.Segments[1].Completed {
		t.Errorf("trailing segment should be a partial: %+v", tm.Segments[1])
	}
}

func TestDecodeLoop_NoLanguageSkipsChunk(t *testing.T) {
	tr := &sttmock.Transcriber{} // every call: no segments, no language
	stream := &fakeStream{}
	s := newTestSession(t, Config{Transcriber: tr, Stream: stream})

	s.AddAudio(make([]float32, 2*audio.SampleRate))
	s.Start(context.Background())

	waitFor(t, "window advance", func() bool {
		return s.window.TimestampOffset() >= 2.0-1e-9
	})

	s.Stop()
	<-s.Done()

	if got := len(stream.transcripts()); got != 0 {
		t.Errorf("client got %d transcript updates, want 0 before language settles", got)
	}
	if got := len(stream.languages()); got != 0 {
		t.Errorf("client got %d language messages, want 0", got)
	}
}

func TestDecodeLoop_TensorRTFlushesOnEOS(t *testing.T) {
	tr := &sttmock.Transcriber{}
	s := newTestSession(t, Config{
		Backend:     config.BackendTensorRT,
		Transcriber: tr,
		Stream:      &fakeStream{},
	})

	// 0.3 s is below the tensorrt minimum chunk, so nothing decodes.
	s.AddAudio(make([]float32, 4800))
	s.Start(context.Background())

	time.Sleep(250 * time.Millisecond)
	if got := tr.CallCount(); got != 0 {
		t.Fatalf("transcriber called %d times before EOS, want 0", got)
	}

	s.SetEOS(true)
	waitFor(t, "flush decode", func() bool { return tr.CallCount() > 0 })

	s.Stop()
	<-s.Done()
}

func TestSession_StopClosesDone(t *testing.T) {
	s := newTestSession(t, Config{})
	s.Start(context.Background())
	s.Stop()
	s.Stop() // idempotent

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("decode loop did not stop")
	}
}
