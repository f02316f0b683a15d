// Package app wires the audio engine, the telemetry session and the stop
// watcher together for the loadtone command.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gen2brain/beeep"

	"github.com/tautline/loadtone/internal/progressor"
	"github.com/tautline/loadtone/internal/progressor/ble"
	"github.com/tautline/loadtone/internal/sonic"
	"github.com/tautline/loadtone/internal/weight"
)

// Run starts audio playback and the telemetry session and blocks until a
// line is read from stdin, ctx is cancelled, or the session fails. Fatal
// errors are returned to main; a cancelled ctx is a clean stop.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	var cell weight.Cell

	engine, err := sonic.NewEngine(&cell,
		sonic.WithSampleRate(config.Audio.SampleRate),
		sonic.WithChannels(config.Audio.Channels),
		sonic.WithFormat(config.Audio.Format),
		sonic.WithLatency(config.Audio.Latency),
	)
	if err != nil {
		return fmt.Errorf("configuring audio engine: %w", err)
	}

	link, err := createLink(&config.Device, logger)
	if err != nil {
		return fmt.Errorf("creating device link: %w", err)
	}

	session := progressor.NewSession(link,
		progressor.WithLogger(logger),
		progressor.WithFrameObserver(newFrameObserver(logger, config.Device.Chime)),
	)

	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting audio: %w", err)
	}
	defer engine.Close()

	var running atomic.Bool
	running.Store(true)
	go watchStdin(&running, logger)

	logger.Info("press enter to stop")

	start := time.Now()
	err = session.Run(ctx, &running, &cell)

	logger.Info("session finished",
		slog.String("samples", humanize.Comma(int64(session.Samples()))),
		slog.Uint64("dropped", session.Dropped()),
		slog.String("duration", time.Since(start).Round(time.Second).String()),
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("telemetry session: %w", err)
	}
	return nil
}

func createLink(config *DeviceConfig, logger *slog.Logger) (progressor.Link, error) {
	if config.Simulate {
		logger.Info("using simulated device")
		return progressor.NewSimLink(), nil
	}

	return ble.New(
		ble.WithLogger(logger),
		ble.WithDeviceName(config.Name),
		ble.WithScanTimeout(time.Duration(config.ScanTimeout)),
		ble.WithConnectTimeout(time.Duration(config.ConnectTimeout)),
	)
}

// watchStdin clears the running flag once a line (or EOF) is read from
// stdin. The flag is never set back to true.
func watchStdin(running *atomic.Bool, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()

	logger.Info("stopping")
	running.Store(false)
}

// newFrameObserver handles the non-weight telemetry: battery samples are
// logged, a low-power warning is logged and optionally chimed. Runs on the
// session goroutine, so the chime is fired off it.
func newFrameObserver(logger *slog.Logger, chime bool) func(progressor.Frame) {
	return func(frame progressor.Frame) {
		switch f := frame.(type) {
		case progressor.BatteryVoltage:
			logger.Info("battery voltage",
				slog.String("voltage", humanize.SIWithDigits(float64(f.Millivolts)/1000, 2, "V")),
			)

		case progressor.LowPowerWarning:
			logger.Warn("device battery low")
			if chime {
				go func() {
					_ = beeep.Beep(220, 400)
				}()
			}
		}
	}
}
