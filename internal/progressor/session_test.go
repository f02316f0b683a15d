package progressor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tautline/loadtone/internal/weight"
)

// fakeLink records the session's calls and lets tests inject failures and
// notification frames without hardware.
type fakeLink struct {
	mu       sync.Mutex
	calls    []string
	controls [][]byte
	notify   func([]byte)

	scanErr      error
	connectErr   error
	discoverErr  error
	subscribeErr error
	writeErr     error

	// frames delivered synchronously when the start command is written
	onStart [][]byte
}

func (l *fakeLink) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *fakeLink) Scan(ctx context.Context) error {
	l.record("scan")
	return l.scanErr
}

func (l *fakeLink) Connect(ctx context.Context) error {
	l.record("connect")
	return l.connectErr
}

func (l *fakeLink) DiscoverCharacteristics(ctx context.Context) error {
	l.record("discover")
	return l.discoverErr
}

func (l *fakeLink) Subscribe(notify func(buf []byte)) error {
	l.record("subscribe")
	l.notify = notify
	return l.subscribeErr
}

func (l *fakeLink) WriteControl(cmd []byte) error {
	l.record("write")

	l.mu.Lock()
	l.controls = append(l.controls, append([]byte(nil), cmd...))
	l.mu.Unlock()

	if l.writeErr != nil {
		return l.writeErr
	}
	if cmd[0] == opStartMeasurement {
		for _, frame := range l.onStart {
			l.notify(frame)
		}
	}
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.record("disconnect")
	return nil
}

func (l *fakeLink) controlOpcodes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := make([]byte, len(l.controls))
	for i, cmd := range l.controls {
		ops[i] = cmd[0]
	}
	return ops
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_StreamsWeightsAndShutsDown(t *testing.T) {
	link := &fakeLink{
		onStart: [][]byte{
			AppendWeightFrame(nil, 0.0, 1),
			AppendWeightFrame(nil, 1.2, 2),
			AppendBatteryFrame(nil, 3123),
			AppendWeightFrame(nil, 3.9, 3),
			{0xbe, 0xef}, // unknown opcode, must be skipped
		},
	}

	var observed []Frame
	var observedMu sync.Mutex
	s := NewSession(link, WithFrameObserver(func(f Frame) {
		observedMu.Lock()
		observed = append(observed, f)
		observedMu.Unlock()
	}))

	var running atomic.Bool
	running.Store(true)

	var cell weight.Cell
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(context.Background(), &running, &cell)
	}()

	waitFor(t, "all weight frames", func() bool { return s.Samples() == 3 })

	if got := cell.Load(); got != 3.9 {
		t.Errorf("cell holds %v after last weight frame, want 3.9", got)
	}

	// Clearing the flag exits the loop on the next notification.
	running.Store(false)
	link.notify(AppendWeightFrame(nil, 5.0, 4))

	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}

	if got := cell.Load(); got != 3.9 {
		t.Errorf("cell holds %v, the post-shutdown frame must not be stored", got)
	}

	ops := link.controlOpcodes()
	if len(ops) != 2 || ops[0] != opStartMeasurement || ops[1] != opEndMeasurement {
		t.Errorf("control opcodes = %#v, want [0x65 0x66]", ops)
	}

	observedMu.Lock()
	defer observedMu.Unlock()
	var batteries int
	for _, f := range observed {
		if b, ok := f.(BatteryVoltage); ok {
			batteries++
			if b.Millivolts != 3123 {
				t.Errorf("observed battery = %d mV, want 3123", b.Millivolts)
			}
		}
	}
	if batteries != 1 {
		t.Errorf("observed %d battery frames, want 1", batteries)
	}
}

func TestSession_StageFailures(t *testing.T) {
	stageErr := errors.New("radio fell over")

	cases := []struct {
		name     string
		link     *fakeLink
		teardown bool // stop opcode + disconnect expected
	}{
		{"scan", &fakeLink{scanErr: stageErr}, false},
		{"connect", &fakeLink{connectErr: stageErr}, false},
		{"discover", &fakeLink{discoverErr: stageErr}, true},
		{"subscribe", &fakeLink{subscribeErr: stageErr}, true},
		{"write", &fakeLink{writeErr: stageErr}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var running atomic.Bool
			running.Store(true)

			var cell weight.Cell
			err := NewSession(tc.link).Run(context.Background(), &running, &cell)
			if !errors.Is(err, stageErr) {
				t.Fatalf("Run returned %v, want wrapped %v", err, stageErr)
			}

			ops := tc.link.controlOpcodes()
			var stops int
			for _, op := range ops {
				if op == opEndMeasurement {
					stops++
				}
			}

			var disconnects int
			for _, call := range tc.link.calls {
				if call == "disconnect" {
					disconnects++
				}
			}

			if tc.teardown {
				if stops != 1 {
					t.Errorf("end-measurement written %d times, want 1", stops)
				}
				if disconnects != 1 {
					t.Errorf("disconnect called %d times, want 1", disconnects)
				}
			} else if stops != 0 || disconnects != 0 {
				t.Errorf("teardown attempted (%d stops, %d disconnects) before a connection existed", stops, disconnects)
			}
		})
	}
}

func TestSession_ContextCancelDuringStreaming(t *testing.T) {
	link := &fakeLink{}
	s := NewSession(link)

	var running atomic.Bool
	running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())

	var cell weight.Cell
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx, &running, &cell)
	}()

	waitFor(t, "start command", func() bool {
		return len(link.controlOpcodes()) == 1
	})
	cancel()

	err := <-runErr
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	ops := link.controlOpcodes()
	if len(ops) != 2 || ops[1] != opEndMeasurement {
		t.Errorf("control opcodes = %#v, teardown must still write 0x66", ops)
	}
}

func TestSession_RejectsConcurrentRun(t *testing.T) {
	link := &fakeLink{}
	s := NewSession(link)

	var running atomic.Bool
	running.Store(true)

	var cell weight.Cell
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, &running, &cell)
	}()

	waitFor(t, "session to start streaming", func() bool {
		return len(link.controlOpcodes()) == 1
	})

	if err := s.Run(ctx, &running, &cell); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Run returned %v, want ErrSessionActive", err)
	}

	cancel()
	<-done
}

func TestSession_DropsWhenQueueFull(t *testing.T) {
	s := NewSession(&fakeLink{})

	frame := AppendWeightFrame(nil, 1.0, 1)
	for i := 0; i < notificationBuffer+3; i++ {
		s.push(frame)
	}

	if got := s.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}
