// Package ble implements the Progressor transport over Bluetooth Low
// Energy using the host's default adapter.
package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/tautline/loadtone/internal/progressor"
)

var (
	// ErrDeviceNotFound is returned when scanning ends without a match.
	ErrDeviceNotFound = errors.New("no matching device found")

	// ErrServiceNotFound is returned when the connected device does not
	// expose the Progressor service.
	ErrServiceNotFound = errors.New("measurement service not found")

	// ErrCharacteristicNotFound is returned when the service is missing
	// its control or data characteristic.
	ErrCharacteristicNotFound = errors.New("characteristic not found")

	// ErrNotConnected is returned for operations that need a resolved
	// connection, such as a control write after discovery failed.
	ErrNotConnected = errors.New("not connected")
)

// WithLogger sets the logger for the link.
func WithLogger(logger *slog.Logger) func(*Link) {
	return func(l *Link) {
		l.logger = logger
	}
}

// WithDeviceName also accepts scan results whose advertised name starts
// with name, for devices seen before their advertised service list.
func WithDeviceName(name string) func(*Link) {
	return func(l *Link) {
		l.name = name
	}
}

// WithScanTimeout bounds the scan stage. Zero means no bound: the scan
// waits indefinitely for a device to appear.
func WithScanTimeout(d time.Duration) func(*Link) {
	return func(l *Link) {
		l.scanTimeout = d
	}
}

// WithConnectTimeout bounds connection establishment. Zero means the
// adapter default.
func WithConnectTimeout(d time.Duration) func(*Link) {
	return func(l *Link) {
		l.connectTimeout = d
	}
}

// Link drives one Progressor connection over the default BLE adapter. It
// implements progressor.Link; methods follow the session's stage order and
// are not safe for concurrent use.
type Link struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	name           string
	scanTimeout    time.Duration
	connectTimeout time.Duration

	service bluetooth.UUID
	control bluetooth.UUID
	data    bluetooth.UUID

	addr      bluetooth.Address
	found     bool
	device    bluetooth.Device
	connected bool

	controlChar bluetooth.DeviceCharacteristic
	dataChar    bluetooth.DeviceCharacteristic
	resolved    bool
}

// New enables the default adapter and prepares a link. It fails when the
// host has no usable Bluetooth adapter.
func New(options ...func(*Link)) (*Link, error) {
	service, err := bluetooth.ParseUUID(progressor.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("parsing service uuid: %w", err)
	}
	control, err := bluetooth.ParseUUID(progressor.ControlUUID)
	if err != nil {
		return nil, fmt.Errorf("parsing control uuid: %w", err)
	}
	data, err := bluetooth.ParseUUID(progressor.DataUUID)
	if err != nil {
		return nil, fmt.Errorf("parsing data uuid: %w", err)
	}

	l := Link{
		adapter: bluetooth.DefaultAdapter,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		service: service,
		control: control,
		data:    data,
	}

	for _, option := range options {
		option(&l)
	}

	if err := l.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	return &l, nil
}

// Scan blocks until a device advertising the Progressor service (or the
// configured name prefix) is seen, taking the first match without
// disambiguating multiple devices.
func (l *Link) Scan(ctx context.Context) error {
	if l.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.scanTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.adapter.StopScan()
		case <-done:
		}
	}()

	// The callback runs on the adapter's event goroutine; the result is
	// handed back over a channel so reading it after Scan returns does not
	// depend on the backend's internal synchronization.
	results := make(chan bluetooth.ScanResult, 1)
	err := l.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !l.matches(result) {
			return
		}

		select {
		case results <- result:
		default:
		}
		adapter.StopScan()
	})
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	select {
	case result := <-results:
		l.addr = result.Address
		l.found = true
		l.logger.Info("device found",
			slog.String("address", result.Address.String()),
			slog.String("name", result.LocalName()),
		)
		return nil

	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrDeviceNotFound
	}
}

func (l *Link) matches(result bluetooth.ScanResult) bool {
	if result.HasServiceUUID(l.service) {
		return true
	}
	return l.name != "" && strings.HasPrefix(result.LocalName(), l.name)
}

// Connect establishes the connection to the scanned device.
func (l *Link) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.found {
		return ErrDeviceNotFound
	}

	var params bluetooth.ConnectionParams
	if l.connectTimeout > 0 {
		params.ConnectionTimeout = bluetooth.NewDuration(l.connectTimeout)
	}

	device, err := l.adapter.Connect(l.addr, params)
	if err != nil {
		return err
	}

	l.device = device
	l.connected = true
	return nil
}

// DiscoverCharacteristics resolves the control and data characteristics of
// the Progressor service.
func (l *Link) DiscoverCharacteristics(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.connected {
		return ErrNotConnected
	}

	services, err := l.device.DiscoverServices([]bluetooth.UUID{l.service})
	if err != nil {
		return fmt.Errorf("discovering services: %w", err)
	}
	if len(services) == 0 {
		return ErrServiceNotFound
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{l.control, l.data})
	if err != nil {
		return fmt.Errorf("discovering characteristics: %w", err)
	}

	var haveControl, haveData bool
	for _, c := range chars {
		switch c.UUID() {
		case l.control:
			l.controlChar = c
			haveControl = true
		case l.data:
			l.dataChar = c
			haveData = true
		}
	}

	if !haveControl {
		return fmt.Errorf("%w: control %s", ErrCharacteristicNotFound, progressor.ControlUUID)
	}
	if !haveData {
		return fmt.Errorf("%w: data %s", ErrCharacteristicNotFound, progressor.DataUUID)
	}

	l.resolved = true
	return nil
}

// Subscribe enables notifications on the data characteristic. The callback
// runs on the adapter's event goroutine; buffers are owned by the adapter
// and must be copied by the receiver.
func (l *Link) Subscribe(notify func(buf []byte)) error {
	if !l.resolved {
		return ErrNotConnected
	}
	return l.dataChar.EnableNotifications(notify)
}

// WriteControl writes a command to the control characteristic with
// response.
func (l *Link) WriteControl(cmd []byte) error {
	if !l.resolved {
		return ErrNotConnected
	}
	if _, err := l.controlChar.Write(cmd); err != nil {
		return err
	}
	return nil
}

// Disconnect tears down the connection, if one was established.
func (l *Link) Disconnect() error {
	if !l.connected {
		return nil
	}

	l.connected = false
	l.resolved = false
	return l.device.Disconnect()
}
