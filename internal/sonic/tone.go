// Package sonic turns the shared weight reading into sound: a pure
// weight-to-frequency mapping, a phase-continuous sine oscillator, and a
// PulseAudio playback engine that runs the oscillator in the stream's pull
// callback.
package sonic

import "math"

// BaseFrequency is the fundamental of the overtone series the weight is
// mapped onto, an audible low A.
const BaseFrequency = 110.0

// ToneForWeight maps a weight to a tone frequency in Hz: the n-th overtone
// of BaseFrequency, where n is the integer part of the weight. Quantizing
// to whole overtone steps gives the listener distinct tone rungs instead of
// an unmusical glide.
//
// The integer part is taken by truncation toward zero, so -0.5 maps to the
// fundamental just like 0.5 does, and weights in [-2, -1) map to 0 Hz.
// A slack or pre-tensioned gauge therefore sounds the same as an unloaded
// one rather than shifting down the series.
func ToneForWeight(w float32) float32 {
	return float32(BaseFrequency * (math.Trunc(float64(w)) + 1))
}
