// Package whisperhttp provides a Transcriber backed by a running
// whisper-server binary (whisper.cpp), which exposes a batch REST API at
// POST /inference.
//
// Each Transcribe call uploads the chunk as a 16-bit mono WAV file and asks
// for verbose_json output so segment timestamps and no-speech probabilities
// come back alongside the text. Constructing a Client performs no I/O; the
// server is contacted lazily on the first call.
//
// Usage:
//
//	c, err := whisperhttp.New("http://localhost:8080",
//	    whisperhttp.WithModel("base.en"),
//	)
//	segments, info, err := c.Transcribe(ctx, samples, stt.Options{Language: "en"})
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jasonkneen/vexa/pkg/audio"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
)

// Compile-time assertion that Client implements stt.Transcriber.
var _ stt.Transcriber = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base.en", "small"). When empty, the default, the server uses whichever
// model it was started with.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the default HTTP client entirely. Useful for tests
// and callers that need custom transport settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements stt.Transcriber against a whisper.cpp HTTP server.
// Multiple goroutines may call Transcribe concurrently; the server does its
// own request queueing.
type Client struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a Client for the whisper.cpp server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("whisperhttp: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// inferenceResponse mirrors the verbose_json layout of whisper-server.
type inferenceResponse struct {
	Text         string  `json:"text"`
	Language     string  `json:"language"`
	LanguageProb float64 `json:"language_probability"`
	Segments     []struct {
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		Text         string  `json:"text"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe encodes samples as a WAV file, POSTs it to the /inference
// endpoint as multipart/form-data and parses the verbose_json reply into
// chunk-relative segments.
func (c *Client) Transcribe(ctx context.Context, samples []float32, opts stt.Options) ([]stt.Segment, stt.Info, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(samples, audio.SampleRate)); err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: write wav data: %w", err)
	}

	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: write response_format field: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, stt.Info{}, fmt.Errorf("whisperhttp: write language field: %w", err)
		}
	}
	if opts.Task == "translate" {
		if err := mw.WriteField("translate", "true"); err != nil {
			return nil, stt.Info{}, fmt.Errorf("whisperhttp: write translate field: %w", err)
		}
	}
	if opts.InitialPrompt != "" {
		if err := mw.WriteField("prompt", opts.InitialPrompt); err != nil {
			return nil, stt.Info{}, fmt.Errorf("whisperhttp: write prompt field: %w", err)
		}
	}
	if c.model != "" {
		if err := mw.WriteField("model", c.model); err != nil {
			return nil, stt.Info{}, fmt.Errorf("whisperhttp: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: close multipart writer: %w", err)
	}

	endpoint := c.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: read response body: %w", err)
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, stt.Info{}, fmt.Errorf("whisperhttp: parse JSON response: %w", err)
	}

	segments := make([]stt.Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		segments = append(segments, stt.Segment{
			Start:        s.Start,
			End:          s.End,
			Text:         s.Text,
			NoSpeechProb: s.NoSpeechProb,
		})
	}

	info := stt.Info{Language: result.Language, LanguageProb: result.LanguageProb}
	if info.Language != "" && info.LanguageProb == 0 {
		// Servers that report a language without a confidence are taken
		// at their word.
		info.LanguageProb = 1
	}
	return segments, info, nil
}
