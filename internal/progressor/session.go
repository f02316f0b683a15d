// Package progressor implements the telemetry session for the Progressor
// wireless strain gauge: discovery, subscription, and decoding of its
// notification frames into weight readings.
package progressor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tautline/loadtone/internal/weight"
)

// GATT identifiers of the Progressor measurement service.
const (
	ServiceUUID = "7e4e1701-1ea6-40c9-9dcc-13d34ffead57"
	DataUUID    = "7e4e1702-1ea6-40c9-9dcc-13d34ffead57"
	ControlUUID = "7e4e1703-1ea6-40c9-9dcc-13d34ffead57"
)

// notificationBuffer bounds the hand-off queue between the transport's
// notify callback and the session loop. The callback must never block, so
// when the queue is full the newest buffer is dropped and counted; only the
// latest weight matters for sonification.
const notificationBuffer = 64

// ErrSessionActive is returned by Run when the session is already streaming.
var ErrSessionActive = errors.New("session is already running")

// Link is the transport a Session drives. Implementations resolve the
// Progressor service and its data (notify) and control (write-with-response)
// characteristics; see the ble package for the real transport and SimLink
// for a hardware-free one.
//
// The methods are called in declaration order, once each per session, with
// Disconnect attempted best-effort even after a failure.
type Link interface {
	// Scan blocks until a device advertising the Progressor service is
	// found, taking the first match.
	Scan(ctx context.Context) error

	// Connect establishes a connection to the device found by Scan.
	Connect(ctx context.Context) error

	// DiscoverCharacteristics resolves the control and data
	// characteristics. Either one missing is an error.
	DiscoverCharacteristics(ctx context.Context) error

	// Subscribe enables notifications on the data characteristic. The
	// notify callback must not block and must not retain buf.
	Subscribe(notify func(buf []byte)) error

	// WriteControl writes a command to the control characteristic with
	// response.
	WriteControl(cmd []byte) error

	// Disconnect tears the connection down.
	Disconnect() error
}

// WithLogger sets the logger for the session.
func WithLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithFrameObserver registers a callback invoked on the session goroutine
// for every decoded frame. It must not block; it is meant for logging and
// user-feedback side channels, and runs after weight frames have already
// been stored.
func WithFrameObserver(fn func(Frame)) func(*Session) {
	return func(s *Session) {
		s.observer = fn
	}
}

// Session owns one connection lifecycle to a Progressor device: scan,
// connect, discover, subscribe, stream, teardown. It writes every received
// weight reading into a shared cell; it performs no retries, so the first
// failure at any stage ends the session.
type Session struct {
	link     Link
	logger   *slog.Logger
	observer func(Frame)

	notifs    chan []byte
	streaming atomic.Bool

	samples atomic.Uint64
	dropped atomic.Uint64
}

// NewSession creates a session over the given transport, with a discard
// logger unless WithLogger is supplied.
func NewSession(link Link, options ...func(*Session)) *Session {
	s := Session{
		link:   link,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		notifs: make(chan []byte, notificationBuffer),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Run drives the full session. It blocks until the running flag is cleared,
// ctx is cancelled, or a stage fails. Once the device is connected,
// teardown (end-measurement command, disconnect) is attempted on every exit
// path and its errors are joined onto the primary one.
func (s *Session) Run(ctx context.Context, running *atomic.Bool, cell *weight.Cell) error {
	if !s.streaming.CompareAndSwap(false, true) {
		return ErrSessionActive
	}
	defer s.streaming.Store(false)

	s.logger.Info("scanning for device")
	if err := s.link.Scan(ctx); err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	s.logger.Info("connecting")
	if err := s.link.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	s.logger.Info("connected")

	err := s.stream(ctx, running, cell)
	return errors.Join(err, s.teardown())
}

// Samples reports the number of weight readings stored so far.
func (s *Session) Samples() uint64 { return s.samples.Load() }

// Dropped reports the number of notifications discarded because the
// receive queue was full.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) stream(ctx context.Context, running *atomic.Bool, cell *weight.Cell) error {
	if err := s.link.DiscoverCharacteristics(ctx); err != nil {
		return fmt.Errorf("discovering characteristics: %w", err)
	}

	if err := s.link.Subscribe(s.push); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	if err := s.link.WriteControl([]byte{opStartMeasurement, 0}); err != nil {
		return fmt.Errorf("starting measurement: %w", err)
	}

	s.logger.Info("streaming weight measurements")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case buf := <-s.notifs:
			// The flag is polled once per notification; shutdown latency
			// is bounded by the notification cadence, ctx covers the rest.
			if !running.Load() {
				return nil
			}
			s.handle(buf, cell)
		}
	}
}

// push is the transport's notify callback. It copies buf (transports may
// reuse theirs) and never blocks: on a full queue the notification is
// dropped and counted.
func (s *Session) push(buf []byte) {
	b := make([]byte, len(buf))
	copy(b, buf)

	select {
	case s.notifs <- b:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) handle(buf []byte, cell *weight.Cell) {
	frame := DecodeFrame(buf)
	if frame == nil {
		return // unknown or malformed, skip
	}

	if w, ok := frame.(WeightMeasurement); ok {
		cell.Store(w.Value)
		s.samples.Add(1)
	}

	if s.observer != nil {
		s.observer(frame)
	}
}

func (s *Session) teardown() error {
	var errs []error
	if err := s.link.WriteControl([]byte{opEndMeasurement, 0}); err != nil {
		errs = append(errs, fmt.Errorf("ending measurement: %w", err))
	}
	if err := s.link.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnecting: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("disconnected")
	return nil
}
