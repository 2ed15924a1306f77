// Package eventlog republishes session lifecycle and transcription events
// onto a durable Redis stream.
//
// Every event is one XADD with a single "payload" field holding the JSON
// document, so stream consumers never need to reassemble multi-field
// records. A background worker owns the connection: it dials with
// exponential backoff, keeps the link warm with periodic pings, and flips
// the publisher to disconnected the moment a ping fails. Publish calls never
// block waiting for a connection: while the link is down they return
// [ErrNotConnected] and the event is dropped.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jasonkneen/vexa/internal/observe"
	"github.com/jasonkneen/vexa/pkg/types"
)

// Default connection supervision parameters.
const (
	defaultPingInterval = 5 * time.Second
	defaultBackoff      = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second

	// pingTimeout bounds a single dial or keepalive probe.
	pingTimeout = 3 * time.Second
)

// Event types appended to the stream.
const (
	eventSessionStart  = "session_start"
	eventTranscription = "transcription"
)

// ErrNotConnected is returned by publish methods while the stream connection
// is down. Callers treat it as a soft failure: the session keeps serving its
// client and the event is dropped.
var ErrNotConnected = errors.New("eventlog: not connected")

// State describes the publisher's connection to Redis.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// sessionStartEvent is the JSON document for a session_start record.
type sessionStartEvent struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	Platform       string `json:"platform"`
	MeetingID      string `json:"meeting_id"`
	UID            string `json:"uid"`
	StartTimestamp string `json:"start_timestamp"`
}

// transcriptionEvent is the JSON document for a transcription record.
type transcriptionEvent struct {
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Platform  string          `json:"platform"`
	MeetingID string          `json:"meeting_id"`
	UID       string          `json:"uid"`
	Segments  []types.Segment `json:"segments"`
}

// Config configures a [Publisher].
type Config struct {
	// URL is the Redis connection URL, e.g. "redis://localhost:6379/0".
	// Ignored when Client is set.
	URL string

	// StreamKey is the stream all events are appended to.
	StreamKey string

	// PingInterval is the gap between keepalive probes while connected.
	// Defaults to 5s if zero.
	PingInterval time.Duration

	// Backoff is the initial delay between reconnection attempts. Doubles
	// each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the reconnection delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Client overrides the client built from URL. Used by tests.
	Client redis.UniversalClient

	// Metrics receives publish and reconnect counters. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics
}

// Publisher appends events to the Redis stream. All methods are safe for
// concurrent use. Construct with [New], then start the connection worker
// with [Publisher.Run].
type Publisher struct {
	client       redis.UniversalClient
	streamKey    string
	pingInterval time.Duration
	backoff      time.Duration
	maxBackoff   time.Duration
	metrics      *observe.Metrics
	now          func() time.Time

	// mu guards state and started, and serialises XADDs so events for one
	// session keep their order.
	mu      sync.Mutex
	state   State
	started map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Publisher. The returned publisher is disconnected until
// [Publisher.Run] establishes the connection.
func New(cfg Config) (*Publisher, error) {
	if cfg.StreamKey == "" {
		return nil, errors.New("eventlog: stream key must not be empty")
	}
	client := cfg.Client
	if client == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse url: %w", err)
		}
		client = redis.NewClient(opts)
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Publisher{
		client:       client,
		streamKey:    cfg.StreamKey,
		pingInterval: pingInterval,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		metrics:      metrics,
		now:          time.Now,
		state:        StateDisconnected,
		started:      make(map[string]struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Run supervises the stream connection until ctx is cancelled or
// [Publisher.Close] is called. It dials with exponential backoff, then pings
// every PingInterval; a failed ping flips the publisher back to disconnected
// and restarts the backoff cycle.
func (p *Publisher) Run(ctx context.Context) error {
	everConnected := false
	for {
		p.setState(StateConnecting)
		backoff := p.backoff
		for {
			err := p.ping(ctx)
			if err == nil {
				break
			}
			slog.Warn("event log connect failed",
				"stream", p.streamKey,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-ctx.Done():
				p.setState(StateDisconnected)
				return ctx.Err()
			case <-p.done:
				p.setState(StateDisconnected)
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.maxBackoff {
				backoff = p.maxBackoff
			}
		}

		p.setState(StateConnected)
		if everConnected {
			p.metrics.EventLogReconnects.Add(ctx, 1)
			slog.Info("event log reconnected", "stream", p.streamKey)
		} else {
			everConnected = true
			slog.Info("event log connected", "stream", p.streamKey)
		}

		// Keepalive until the connection drops.
		for {
			select {
			case <-ctx.Done():
				p.setState(StateDisconnected)
				return ctx.Err()
			case <-p.done:
				p.setState(StateDisconnected)
				return nil
			case <-time.After(p.pingInterval):
			}
			if err := p.ping(ctx); err != nil {
				slog.Warn("event log ping failed, reconnecting", "error", err)
				p.setState(StateDisconnected)
				break
			}
		}
	}
}

// PublishSessionStart appends the session_start event for uid. It is
// idempotent per uid: once the event lands, later calls return nil without
// touching the stream. While disconnected it returns [ErrNotConnected]
// without recording the uid, so a later call can retry.
func (p *Publisher) PublishSessionStart(ctx context.Context, token, platform, meetingID, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishSessionStartLocked(ctx, token, platform, meetingID, uid)
}

func (p *Publisher) publishSessionStartLocked(ctx context.Context, token, platform, meetingID, uid string) error {
	if _, ok := p.started[uid]; ok {
		return nil
	}
	if p.state != StateConnected {
		p.metrics.RecordPublish(ctx, eventSessionStart, "dropped")
		return ErrNotConnected
	}
	payload, err := json.Marshal(sessionStartEvent{
		Type:           eventSessionStart,
		Token:          token,
		Platform:       platform,
		MeetingID:      meetingID,
		UID:            uid,
		StartTimestamp: p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("eventlog: marshal session_start: %w", err)
	}
	if err := p.appendLocked(ctx, payload); err != nil {
		p.metrics.RecordPublish(ctx, eventSessionStart, "error")
		return fmt.Errorf("eventlog: publish session_start: %w", err)
	}
	p.started[uid] = struct{}{}
	p.metrics.RecordPublish(ctx, eventSessionStart, "ok")
	slog.Debug("published session_start", "uid", uid, "stream", p.streamKey)
	return nil
}

// PublishTranscription appends a transcription event carrying segments. If
// uid's session_start has not landed yet it is published first; a failure
// there aborts the transcription so the stream never carries segments for an
// unannounced session.
func (p *Publisher) PublishTranscription(ctx context.Context, token, platform, meetingID, uid string, segments []types.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishSessionStartLocked(ctx, token, platform, meetingID, uid); err != nil {
		return err
	}
	if p.state != StateConnected {
		p.metrics.RecordPublish(ctx, eventTranscription, "dropped")
		return ErrNotConnected
	}
	payload, err := json.Marshal(transcriptionEvent{
		Type:      eventTranscription,
		Token:     token,
		Platform:  platform,
		MeetingID: meetingID,
		UID:       uid,
		Segments:  segments,
	})
	if err != nil {
		return fmt.Errorf("eventlog: marshal transcription: %w", err)
	}
	if err := p.appendLocked(ctx, payload); err != nil {
		p.metrics.RecordPublish(ctx, eventTranscription, "error")
		return fmt.Errorf("eventlog: publish transcription: %w", err)
	}
	p.metrics.RecordPublish(ctx, eventTranscription, "ok")
	return nil
}

// State returns the current connection state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connected reports whether the last dial or keepalive probe succeeded.
func (p *Publisher) Connected() bool {
	return p.State() == StateConnected
}

// Probe returns nil while connected. It is the health source the monitor
// and the /health endpoint evaluate.
func (p *Publisher) Probe() error {
	if !p.Connected() {
		return errors.New("Redis connection unhealthy")
	}
	return nil
}

// Close stops the connection worker and releases the client. Safe to call
// multiple times.
func (p *Publisher) Close() error {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	return p.client.Close()
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ping runs one bounded PING against Redis.
func (p *Publisher) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.client.Ping(pctx).Err()
}

// appendLocked XADDs one payload onto the stream. Callers hold p.mu.
func (p *Publisher) appendLocked(ctx context.Context, payload []byte) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamKey,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}
