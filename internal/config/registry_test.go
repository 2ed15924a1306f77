package config_test

import (
	"errors"
	"testing"

	"github.com/jasonkneen/vexa/internal/config"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
	sttmock "github.com/jasonkneen/vexa/pkg/provider/stt/mock"
	"github.com/jasonkneen/vexa/pkg/provider/vad"
	vadmock "github.com/jasonkneen/vexa/pkg/provider/vad/mock"
)

func TestRegistry_CreateTranscriber(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterTranscriber("scripted", func(tc config.TranscriberConfig) (stt.Transcriber, error) {
		return &sttmock.Transcriber{}, nil
	})

	tr, err := reg.CreateTranscriber(config.TranscriberConfig{Provider: "scripted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a transcriber, got nil")
	}
}

func TestRegistry_ReregisterOverwrites(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first := &sttmock.Transcriber{}
	second := &sttmock.Transcriber{}
	reg.RegisterTranscriber("dup", func(config.TranscriberConfig) (stt.Transcriber, error) {
		return first, nil
	})
	reg.RegisterTranscriber("dup", func(config.TranscriberConfig) (stt.Transcriber, error) {
		return second, nil
	})

	tr, err := reg.CreateTranscriber(config.TranscriberConfig{Provider: "dup"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr != second {
		t.Error("expected the later registration to win")
	}
}

func TestRegistry_UnknownTranscriber(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateTranscriber(config.TranscriberConfig{Provider: "ghost"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_CreateDetector(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterDetector("scripted", func(vc config.VADConfig) (vad.Detector, error) {
		return &vadmock.Detector{Default: true}, nil
	})

	det, err := reg.CreateDetector(config.VADConfig{Provider: "scripted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	voiced, err := det.IsVoice(nil)
	if err != nil || !voiced {
		t.Errorf("scripted detector: got (%v, %v), want (true, nil)", voiced, err)
	}
}

func TestRegistry_UnknownDetector(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateDetector(config.VADConfig{Provider: "ghost"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}
