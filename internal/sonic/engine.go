package sonic

import (
	"errors"
	"fmt"

	"github.com/jfreymuth/pulse"

	"github.com/tautline/loadtone/internal/weight"
)

// FormatFloat32 is the only sample format the engine supports; anything
// else configured is rejected at startup, never at runtime.
const FormatFloat32 = "f32"

// Playback defaults.
const (
	defaultSampleRate = 48000
	defaultChannels   = 2
	defaultLatency    = 0.05 // seconds
)

var (
	// ErrUnsupportedFormat is returned for any configured sample format
	// other than 32-bit float.
	ErrUnsupportedFormat = errors.New("unsupported sample format")

	// ErrUnsupportedChannels is returned for channel counts other than
	// mono or stereo.
	ErrUnsupportedChannels = errors.New("unsupported channel count")
)

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(rate int) func(*Engine) {
	return func(e *Engine) {
		e.sampleRate = rate
	}
}

// WithChannels sets the number of output channels (1 or 2). The tone is
// monophonic; the same sample is written to every channel of a frame.
func WithChannels(channels int) func(*Engine) {
	return func(e *Engine) {
		e.channels = channels
	}
}

// WithFormat sets the sample format. Only FormatFloat32 passes validation.
func WithFormat(format string) func(*Engine) {
	return func(e *Engine) {
		e.format = format
	}
}

// WithLatency sets the requested playback latency in seconds.
func WithLatency(seconds float64) func(*Engine) {
	return func(e *Engine) {
		e.latency = seconds
	}
}

// Engine plays a continuous sine tone whose frequency tracks the shared
// weight cell. The PulseAudio stream pulls samples through synth, which
// reads the cell and advances the oscillator; nothing on that path
// allocates, locks, or does I/O.
type Engine struct {
	sampleRate int
	channels   int
	format     string
	latency    float64

	cell *weight.Cell
	osc  *Oscillator

	client *pulse.Client
	stream *pulse.PlaybackStream
}

// NewEngine validates the configuration and prepares an engine reading from
// cell. No audio resources are acquired until Start.
func NewEngine(cell *weight.Cell, options ...func(*Engine)) (*Engine, error) {
	e := Engine{
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		format:     FormatFloat32,
		latency:    defaultLatency,
		cell:       cell,
	}

	for _, option := range options {
		option(&e)
	}

	if e.format != FormatFloat32 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, e.format)
	}
	if e.channels != 1 && e.channels != 2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannels, e.channels)
	}
	if e.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", e.sampleRate)
	}
	if e.latency <= 0 {
		return nil, fmt.Errorf("invalid latency: %v seconds", e.latency)
	}

	e.osc = NewOscillator(e.sampleRate)
	return &e, nil
}

// Start connects to the sound server and begins playback. Playback runs
// until Close; there is no pause control.
func (e *Engine) Start() error {
	client, err := pulse.NewClient(pulse.ClientApplicationName("loadtone"))
	if err != nil {
		return fmt.Errorf("connecting to sound server: %w", err)
	}

	channelOpt := pulse.PlaybackStereo
	if e.channels == 1 {
		channelOpt = pulse.PlaybackMono
	}

	stream, err := client.NewPlayback(pulse.Float32Reader(e.synth),
		pulse.PlaybackSampleRate(e.sampleRate),
		channelOpt,
		pulse.PlaybackLatency(e.latency),
	)
	if err != nil {
		client.Close()
		return fmt.Errorf("opening playback stream: %w", err)
	}

	e.client = client
	e.stream = stream
	stream.Start()
	return nil
}

// Close stops playback and releases the sound server connection.
func (e *Engine) Close() {
	if e.stream != nil {
		e.stream.Stop()
		e.stream.Close()
		e.stream = nil
	}
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// synth fills out with interleaved frames. The cell is read for every
// frame, so a weight update takes effect at most one sample late.
func (e *Engine) synth(out []float32) (int, error) {
	n := len(out) - len(out)%e.channels
	for i := 0; i < n; i += e.channels {
		s := e.osc.Next(ToneForWeight(e.cell.Load()))
		for c := 0; c < e.channels; c++ {
			out[i+c] = s
		}
	}
	return n, nil
}
