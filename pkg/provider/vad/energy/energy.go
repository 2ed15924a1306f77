// Package energy implements a root-mean-square voice activity detector.
//
// A frame counts as speech when its RMS energy reaches a threshold expressed
// in 16-bit PCM units (0–32 767), the scale most level meters use. 300
// corresponds to near-silence and is the default.
package energy

import (
	"math"

	"github.com/jasonkneen/vexa/pkg/provider/vad"
)

// DefaultThreshold is the RMS level below which audio counts as silence, in
// 16-bit PCM units.
const DefaultThreshold = 300.0

// Compile-time assertion that Detector implements vad.Detector.
var _ vad.Detector = (*Detector)(nil)

// Detector classifies frames by RMS energy. The zero value is not usable;
// construct with New.
type Detector struct {
	threshold float64 // normalised to the float32 sample scale
}

// New creates a Detector with the given threshold in 16-bit PCM units.
// Thresholds at or below zero fall back to DefaultThreshold.
func New(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold / 32768.0}
}

// IsVoice reports whether the frame's RMS energy reaches the threshold.
// Empty frames are silence. The returned error is always nil.
func (d *Detector) IsVoice(frame []float32) (bool, error) {
	n := len(frame)
	if n == 0 {
		return false, nil
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	return rms >= d.threshold, nil
}
