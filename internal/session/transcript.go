package session

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jasonkneen/vexa/pkg/provider/stt"
	"github.com/jasonkneen/vexa/pkg/types"
)

// handleResult turns one inference result into client output. New segments
// update the transcript; an empty result replays recent output for a short
// while so the client keeps rendering through a pause.
func (s *Session) handleResult(ctx context.Context, segments []stt.Segment, duration float64) {
	var out []types.Segment
	if len(segments) > 0 {
		s.mu.Lock()
		s.quietSince = time.Time{}
		s.mu.Unlock()

		last := s.updateTranscript(ctx, segments, duration)
		out = s.prepareResponse(last)
	} else {
		out = s.previousOutput()
	}
	s.sendResponse(ctx, out)
}

// updateTranscript folds one inference result into the session transcript.
//
// Every segment but the last is treated as final: its text is committed and,
// when it spans real time and passes the no-speech filter, appended to the
// transcript with session-relative timestamps. The last segment stays a
// partial until the engine stops changing it. A partial that comes back
// unchanged more than sameOutputThreshold times is promoted to completed
// anyway, spanning from the window offset to where the repetition began, so
// a settled decode cannot pin the window. The window advances past whatever
// was finalised.
//
// Returns the in-flight partial, or nil when there is none.
func (s *Session) updateTranscript(ctx context.Context, segments []stt.Segment, duration float64) *types.Segment {
	ts := s.window.TimestampOffset()
	tail := segments[len(segments)-1]

	offset := -1.0
	currentOut := ""
	var last *types.Segment

	s.mu.Lock()
	if len(segments) > 1 && tail.NoSpeechProb <= noSpeechThreshold {
		for _, seg := range segments[:len(segments)-1] {
			s.committed = append(s.committed, seg.Text)
			start := ts + seg.Start
			end := ts + math.Min(duration, seg.End)
			if start >= end {
				continue
			}
			if seg.NoSpeechProb > noSpeechThreshold {
				continue
			}
			s.transcript = append(s.transcript, types.NewSegment(start, end, seg.Text, true))
			offset = math.Min(duration, seg.End)
		}
	}

	if tail.NoSpeechProb <= noSpeechThreshold {
		currentOut = tail.Text
		seg := types.NewSegment(ts+tail.Start, ts+math.Min(duration, tail.End), currentOut, false)
		last = &seg
	}

	repeated := currentOut != "" && strings.TrimSpace(currentOut) == strings.TrimSpace(s.prevOut)
	if repeated {
		s.sameOutputCount++
		// Audio past the point where the text settled may still be
		// undecoded. Remember where the repetition began so promotion
		// does not advance past it.
		if !s.sameOutputEndSet {
			s.sameOutputEnd = tail.End
			s.sameOutputEndSet = true
		}
	} else {
		s.sameOutputCount = 0
		s.sameOutputEnd = 0
		s.sameOutputEndSet = false
	}

	if s.sameOutputCount > sameOutputThreshold {
		alreadyCommitted := len(s.committed) > 0 &&
			strings.EqualFold(strings.TrimSpace(s.committed[len(s.committed)-1]), strings.TrimSpace(currentOut))
		if !alreadyCommitted {
			s.committed = append(s.committed, currentOut)
			s.transcript = append(s.transcript,
				types.NewSegment(ts, ts+math.Min(duration, s.sameOutputEnd), currentOut, true))
		}
		offset = math.Min(duration, s.sameOutputEnd)
		s.sameOutputCount = 0
		s.sameOutputEnd = 0
		s.sameOutputEndSet = false
		last = nil
	} else {
		s.prevOut = currentOut
	}
	s.mu.Unlock()

	if offset >= 0 {
		s.window.Advance(offset)
	}
	if repeated {
		// Wait out what may be an unintended pause from the speaker;
		// the next pass often resolves it into better punctuation.
		s.pause(ctx, repeatPause)
	}
	return last
}

// previousOutput replays the recent transcript while a pause is fresh and,
// once silence has stretched past addPauseThreshold, records a single blank
// entry in the committed text to mark the gap.
func (s *Session) previousOutput() []types.Segment {
	now := time.Now()

	s.mu.Lock()
	if s.quietSince.IsZero() {
		s.quietSince = now
	}
	quiet := now.Sub(s.quietSince)
	if quiet > addPauseThreshold && len(s.committed) > 0 && s.committed[len(s.committed)-1] != "" {
		s.committed = append(s.committed, "")
	}
	s.mu.Unlock()

	if quiet < showPrevOutThreshold {
		return s.prepareResponse(nil)
	}
	return nil
}

// prepareResponse assembles the update sent to the client: up to the last
// sendLastNSegments completed segments plus the in-flight partial, if any.
func (s *Session) prepareResponse(last *types.Segment) []types.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Segment
	if len(s.transcript) >= sendLastNSegments {
		out = slices.Clone(s.transcript[len(s.transcript)-sendLastNSegments:])
	} else {
		out = slices.Clone(s.transcript)
	}
	if last != nil {
		out = append(out, *last)
	}
	return out
}

// sendResponse delivers segments to the client and fans them out to the
// event log. An empty update is not sent. Fan-out failures are logged, never
// surfaced to the client path.
func (s *Session) sendResponse(ctx context.Context, segments []types.Segment) {
	if len(segments) == 0 {
		return
	}

	msg := types.TranscriptMessage{UID: s.uid, Segments: segments}
	if err := s.stream.Send(ctx, msg); err != nil {
		slog.Error("transcript delivery failed", "uid", s.uid, "error", err)
		return
	}

	var completed, partial int64
	for _, seg := range segments {
		if seg.Completed {
			completed++
		} else {
			partial++
		}
	}
	s.metrics.RecordSegments(ctx, "completed", completed)
	s.metrics.RecordSegments(ctx, "partial", partial)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTranscription(ctx, s.token, s.platform, s.meetingID, s.uid, segments); err != nil {
		slog.Warn("event log publish failed", "uid", s.uid, "error", err)
	}
}
