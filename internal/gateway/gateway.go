// Package gateway accepts WebSocket clients and runs their audio streams.
//
// Every connection follows the same protocol: one JSON handshake, then raw
// binary PCM frames until the client sends the END_OF_AUDIO sentinel or
// closes the stream. The gateway validates the handshake, asks the admission
// manager for a slot, builds a session around the shared transcriber, and
// pumps decoded frames into it, optionally gated by a voice activity
// detector so pure silence never reaches the decode loop.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jasonkneen/vexa/internal/admission"
	"github.com/jasonkneen/vexa/internal/config"
	"github.com/jasonkneen/vexa/internal/observe"
	"github.com/jasonkneen/vexa/internal/session"
	"github.com/jasonkneen/vexa/pkg/audio"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
	"github.com/jasonkneen/vexa/pkg/provider/vad"
	"github.com/jasonkneen/vexa/pkg/types"
)

const (
	// maxFrameBytes bounds a single WebSocket message. Clients stream
	// sub-second PCM chunks, far below this.
	maxFrameBytes = 1 << 20

	// silentStreakLimit is how many consecutive silent frames are
	// tolerated before the session is marked end-of-speech.
	silentStreakLimit = 3

	// disconnectTimeout bounds the courtesy DISCONNECT notification sent
	// to clients that exceeded their connection time.
	disconnectTimeout = time.Second
)

// Config assembles a Gateway. Transcriber and Admission are required.
type Config struct {
	// Backend is announced in SERVER_READY and tunes each session's
	// decode cadence.
	Backend config.Backend

	// DefaultLanguage and DefaultTask fill handshakes that omit them.
	DefaultLanguage string
	DefaultTask     string

	// Transcriber runs inference for every session.
	Transcriber stt.Transcriber

	// Detector gates incoming frames. Nil disables server-side voice
	// gating regardless of what sessions request.
	Detector vad.Detector

	// Admission enforces the connection limits.
	Admission *admission.Manager

	// Publisher receives session_start and transcription events. Nil
	// disables fan-out.
	Publisher session.Publisher

	// Metrics overrides the default instrument set.
	Metrics *observe.Metrics
}

// Gateway is the WebSocket endpoint clients stream audio to. It implements
// http.Handler; every request upgrades into one client connection.
type Gateway struct {
	backend     config.Backend
	language    string
	task        string
	transcriber stt.Transcriber
	detector    vad.Detector
	admission   *admission.Manager
	publisher   session.Publisher
	metrics     *observe.Metrics

	ready atomic.Bool
}

// New validates cfg and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Transcriber == nil {
		return nil, errors.New("gateway: Transcriber is required")
	}
	if cfg.Admission == nil {
		return nil, errors.New("gateway: Admission is required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Gateway{
		backend:     cfg.Backend,
		language:    cfg.DefaultLanguage,
		task:        cfg.DefaultTask,
		transcriber: cfg.Transcriber,
		detector:    cfg.Detector,
		admission:   cfg.Admission,
		publisher:   cfg.Publisher,
		metrics:     metrics,
	}, nil
}

// SetReady flips the readiness reported by Probe. The app marks the gateway
// ready once its listener is bound and unready when the self-monitor gives
// up.
func (g *Gateway) SetReady(ready bool) {
	g.ready.Store(ready)
}

// Ready reports whether the gateway is accepting clients.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Probe implements the health-source contract for the /health endpoint.
func (g *Gateway) Probe() error {
	if !g.ready.Load() {
		return errors.New("WebSocket server not ready")
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until the client
// leaves, errors out, or exceeds its connection time.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients connect from browser extensions and bot containers
		// with arbitrary origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.serveConn(r.Context(), c, r.RemoteAddr)
}

func (g *Gateway) serveConn(ctx context.Context, c *websocket.Conn, remote string) {
	c.SetReadLimit(maxFrameBytes)
	connID := uuid.NewString()
	stream := &wsStream{conn: c}
	log := slog.With("conn", connID, "remote", remote)
	log.Info("client connected")

	hs, err := readHandshake(ctx, c)
	if err != nil {
		g.metrics.RecordHandshake(ctx, "invalid")
		log.Warn("handshake rejected", "error", err)
		_ = stream.Send(ctx, types.ErrorMessage{
			UID:     "unknown",
			Status:  types.StatusError,
			Message: "Invalid handshake",
		})
		c.Close(websocket.StatusPolicyViolation, "invalid handshake")
		return
	}

	if missing := hs.missingFields(); len(missing) > 0 {
		g.metrics.RecordHandshake(ctx, "invalid")
		msg := "Missing required fields: " + strings.Join(missing, ", ")
		log.Warn("handshake rejected", "reason", msg)
		uid := hs.UID
		if uid == "" {
			uid = "unknown"
		}
		_ = stream.Send(ctx, types.ErrorMessage{
			UID:     uid,
			Status:  types.StatusError,
			Message: msg,
		})
		c.Close(websocket.StatusPolicyViolation, "missing required fields")
		return
	}

	log.Info("handshake received",
		"uid", hs.UID, "platform", hs.Platform, "meeting_id", hs.MeetingID)

	g.admission.OverrideOnce(hs.MaxClients, time.Duration(hs.MaxConnectionTime)*time.Second)

	sess, err := g.newSession(hs, stream)
	if err != nil {
		log.Error("session setup failed", "uid", hs.UID, "error", err)
		c.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	handle := admission.Handle{
		Client: sess,
		Disconnect: func() {
			dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			_ = stream.Send(dctx, types.DisconnectMessage{
				UID:     sess.UID(),
				Message: types.MessageDisconnect,
			})
			c.Close(websocket.StatusNormalClosure, "connection time limit reached")
		},
	}

	ok, wait := g.admission.TryAdmit(connID, handle)
	if !ok {
		g.metrics.RecordHandshake(ctx, "wait")
		log.Info("server full", "uid", sess.UID(), "wait_minutes", wait)
		_ = stream.Send(ctx, types.WaitMessage{
			UID:     sess.UID(),
			Status:  types.StatusWait,
			Message: wait,
		})
		c.Close(websocket.StatusTryAgainLater, "server full")
		return
	}

	g.metrics.RecordHandshake(ctx, "accepted")
	g.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		g.admission.Remove(connID)
		g.metrics.ActiveSessions.Add(ctx, -1)
		c.Close(websocket.StatusNormalClosure, "session ended")
		log.Info("client disconnected", "uid", sess.UID())
	}()

	if err := stream.Send(ctx, types.ReadyMessage{
		UID:     sess.UID(),
		Message: types.MessageServerReady,
		Backend: string(g.backend),
	}); err != nil {
		log.Error("ready notification failed", "uid", sess.UID(), "error", err)
		return
	}

	if g.publisher != nil {
		if err := g.publisher.PublishSessionStart(ctx, hs.Token, hs.Platform, hs.MeetingID, sess.UID()); err != nil {
			log.Warn("session start not recorded", "uid", sess.UID(), "error", err)
		}
	}

	sess.Start(ctx)
	g.receiveLoop(ctx, c, connID, sess, hs.useVAD(), log)
}

// receiveLoop pumps client frames into the session until the stream ends or
// the connection outlives its limit. Silent frames are dropped once the
// voice gate is active.
func (g *Gateway) receiveLoop(ctx context.Context, c *websocket.Conn, connID string, sess *session.Session, useVAD bool, log *slog.Logger) {
	gated := useVAD && g.detector != nil
	silentStreak := 0

	for {
		if !g.admission.ConnectionAllowed(connID) {
			log.Info("connection time limit reached", "uid", sess.UID())
			return
		}

		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("connection closed", "uid", sess.UID())
			default:
				if errors.Is(err, context.Canceled) {
					log.Info("connection cancelled", "uid", sess.UID())
				} else {
					log.Warn("read failed", "uid", sess.UID(), "error", err)
				}
			}
			return
		}

		if bytes.Equal(data, []byte(types.EndOfAudio)) {
			log.Info("end of audio", "uid", sess.UID())
			sess.SetEOS(true)
			return
		}
		if typ != websocket.MessageBinary {
			log.Debug("ignoring unexpected text frame", "uid", sess.UID())
			continue
		}

		samples, err := audio.DecodeFloat32LE(data)
		if err != nil {
			log.Warn("dropping malformed audio frame", "uid", sess.UID(), "error", err)
			continue
		}
		g.metrics.AudioBytes.Add(ctx, int64(len(data)))

		if gated {
			voiced, verr := g.detector.IsVoice(samples)
			if verr != nil {
				// Fail open: losing the gate must not lose audio.
				log.Warn("voice detection failed", "uid", sess.UID(), "error", verr)
				voiced = true
			}
			if !voiced {
				silentStreak++
				if silentStreak > silentStreakLimit && !sess.EOS() {
					sess.SetEOS(true)
				}
				continue
			}
			silentStreak = 0
			sess.SetEOS(false)
		}

		sess.AddAudio(samples)
	}
}

func (g *Gateway) newSession(hs Handshake, stream session.Stream) (*session.Session, error) {
	lang := hs.Language
	if lang == "" {
		lang = g.language
	}
	task := hs.Task
	if task == "" {
		task = g.task
	}
	return session.New(session.Config{
		UID:           hs.UID,
		Token:         hs.Token,
		Platform:      hs.Platform,
		MeetingID:     hs.MeetingID,
		MeetingURL:    hs.MeetingURL,
		Language:      lang,
		Task:          task,
		InitialPrompt: hs.InitialPrompt,
		UseVAD:        hs.useVAD(),
		Backend:       g.backend,
		Transcriber:   g.transcriber,
		Stream:        stream,
		Publisher:     g.publisher,
		Metrics:       g.metrics,
	})
}

// wsStream adapts a websocket connection to the session.Stream interface,
// serialising writes from the decode goroutine, the receive loop and the
// admission sweeper.
type wsStream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsStream) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}
