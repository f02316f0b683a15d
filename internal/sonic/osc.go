package sonic

import "math"

// Oscillator generates a sine wave sample by sample, staying phase
// continuous across frequency changes: when the requested frequency
// differs from the previous sample's, the sample clock restarts and the
// current phase (mod one cycle) is carried forward as an offset, so the
// waveform bends instead of jumping. A phase jump at a transition is what
// the ear hears as a click.
//
// An Oscillator is not safe for concurrent use; it is owned by the audio
// callback, which the backend never invokes concurrently with itself.
type Oscillator struct {
	sampleRate  float32
	clock       float32 // sample counter, wraps at sampleRate
	phase       float32
	phaseOffset float32
	prevFreq    float32
}

// NewOscillator creates an oscillator for the given output sample rate.
func NewOscillator(sampleRate int) *Oscillator {
	return &Oscillator{sampleRate: float32(sampleRate)}
}

// Next advances the oscillator by one sample at the given target frequency
// and returns the sample value in [-1, 1].
func (o *Oscillator) Next(freq float32) float32 {
	o.clock = float32(math.Mod(float64(o.clock+1), float64(o.sampleRate)))

	if freq != o.prevFreq {
		o.prevFreq = freq
		o.clock = 1
		o.phaseOffset = float32(math.Mod(float64(o.phase), 2*math.Pi))
	}

	o.phase = o.clock*freq*2*math.Pi/o.sampleRate + o.phaseOffset
	return float32(math.Sin(float64(o.phase)))
}
