package progressor

import (
	"context"
	"math"
	"sync"
	"time"
)

// Default simulated stream shape: 80 Hz sampling, pulls peaking at 40 kg
// over an 8 second cycle, roughly what a hard hangboard repeater looks like.
const (
	simInterval = 12500 * time.Microsecond
	simPeak     = 40.0
	simCycle    = 8 * time.Second
)

// batteryEvery is the number of weight frames between simulated battery
// voltage samples.
const batteryEvery = 400

// SimLink is an in-process Link that synthesizes Progressor notification
// frames, for development and demos without hardware. The scan, connect and
// discovery stages succeed immediately; frames start flowing when the
// start-measurement command is written and stop on the end command.
type SimLink struct {
	interval time.Duration
	peak     float64
	cycle    time.Duration

	mu     sync.Mutex
	notify func([]byte)
	stop   chan struct{}
	wg     sync.WaitGroup
}

// SimInterval sets the spacing between simulated weight frames.
func SimInterval(d time.Duration) func(*SimLink) {
	return func(l *SimLink) {
		l.interval = d
	}
}

// SimPeak sets the peak simulated weight in kilograms.
func SimPeak(kg float64) func(*SimLink) {
	return func(l *SimLink) {
		l.peak = kg
	}
}

// NewSimLink creates a simulated transport.
func NewSimLink(options ...func(*SimLink)) *SimLink {
	l := SimLink{
		interval: simInterval,
		peak:     simPeak,
		cycle:    simCycle,
	}

	for _, option := range options {
		option(&l)
	}

	return &l
}

func (l *SimLink) Scan(ctx context.Context) error    { return ctx.Err() }
func (l *SimLink) Connect(ctx context.Context) error { return ctx.Err() }

func (l *SimLink) DiscoverCharacteristics(ctx context.Context) error { return ctx.Err() }

func (l *SimLink) Subscribe(notify func(buf []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.notify = notify
	return nil
}

func (l *SimLink) WriteControl(cmd []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(cmd) == 0 {
		return nil
	}

	switch cmd[0] {
	case opStartMeasurement:
		if l.stop == nil && l.notify != nil {
			l.stop = make(chan struct{})
			l.wg.Add(1)
			go l.emit(l.notify, l.stop)
		}

	case opEndMeasurement:
		l.halt()
	}

	return nil
}

func (l *SimLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.halt()
	return nil
}

// halt stops the emitter; callers must hold mu.
func (l *SimLink) halt() {
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.wg.Wait()
}

// emit produces a raised-cosine pull cycle: rest, ramp up to the peak, ramp
// back down, repeat. One battery sample is interleaved every batteryEvery
// weight frames.
func (l *SimLink) emit(notify func([]byte), stop <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var (
		counter uint32
		elapsed time.Duration
		buf     = make([]byte, 0, 10)
	)

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			phase := float64(elapsed%l.cycle) / float64(l.cycle)
			kg := l.peak * (1 - math.Cos(2*math.Pi*phase)) / 2

			counter++
			elapsed += l.interval

			notify(AppendWeightFrame(buf[:0], float32(kg), counter))
			if counter%batteryEvery == 0 {
				notify(AppendBatteryFrame(buf[:0], 3300))
			}
		}
	}
}
