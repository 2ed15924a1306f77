package energy_test

import (
	"math"
	"testing"

	"github.com/jasonkneen/vexa/pkg/provider/vad/energy"
)

// sine generates one second of a 440 Hz tone at the given peak amplitude.
func sine(amplitude float32) []float32 {
	frame := make([]float32, 16000)
	for i := range frame {
		frame[i] = amplitude * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return frame
}

func TestIsVoice_Speech(t *testing.T) {
	d := energy.New(energy.DefaultThreshold)
	// Amplitude 0.3 → RMS ≈ 0.21, far above the default threshold.
	voiced, err := d.IsVoice(sine(0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !voiced {
		t.Error("expected speech for a loud tone")
	}
}

func TestIsVoice_Silence(t *testing.T) {
	d := energy.New(energy.DefaultThreshold)
	voiced, err := d.IsVoice(make([]float32, 16000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if voiced {
		t.Error("expected silence for all-zero samples")
	}
}

func TestIsVoice_FaintNoiseBelowThreshold(t *testing.T) {
	d := energy.New(energy.DefaultThreshold)
	// Amplitude 0.001 → RMS ≈ 0.0007, below 300/32768 ≈ 0.0092.
	voiced, _ := d.IsVoice(sine(0.001))
	if voiced {
		t.Error("expected faint noise to classify as silence")
	}
}

func TestIsVoice_EmptyFrame(t *testing.T) {
	d := energy.New(energy.DefaultThreshold)
	voiced, err := d.IsVoice(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if voiced {
		t.Error("expected empty frame to classify as silence")
	}
}

func TestIsVoice_CustomThreshold(t *testing.T) {
	// Threshold at full scale: nothing real should cross it.
	d := energy.New(32768)
	voiced, _ := d.IsVoice(sine(0.3))
	if voiced {
		t.Error("expected tone below a full-scale threshold to classify as silence")
	}
}

func TestNew_NonPositiveThresholdFallsBack(t *testing.T) {
	d := energy.New(0)
	voiced, _ := d.IsVoice(sine(0.3))
	if !voiced {
		t.Error("expected default threshold for New(0)")
	}
}
