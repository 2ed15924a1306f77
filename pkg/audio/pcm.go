package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeFloat32LE reinterprets little-endian IEEE 754 bytes as float32
// samples. The length must be a multiple of 4; anything else means a
// truncated or corrupt frame and is rejected rather than silently clipped.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("frame length %d is not a multiple of 4", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}

// EncodeFloat32LE converts samples to little-endian IEEE 754 bytes, the wire
// layout DecodeFloat32LE accepts.
func EncodeFloat32LE(samples []float32) []byte {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return data
}

// Seconds returns the playing time of n samples at SampleRate.
func Seconds(n int) float64 {
	return float64(n) / SampleRate
}
