package progressor

import (
	"encoding/binary"
	"math"
)

// Notification frame opcodes. The opcode is the first byte of every
// notification payload pushed by the device; byte 1 is reserved.
const (
	opBatteryVoltage  = 0x00
	opWeightReading   = 0x01
	opLowPowerWarning = 0x04
)

// Control characteristic opcodes, written as a 2-byte payload [op, 0x00].
const (
	opStartMeasurement = 0x65
	opEndMeasurement   = 0x66
)

// Frame is a decoded device notification. The concrete type is one of
// WeightMeasurement, BatteryVoltage or LowPowerWarning.
type Frame interface {
	frame()
}

// WeightMeasurement is a single weight reading. Counter is a device-relative
// sample sequence number; it is carried but not currently used for gap or
// ordering detection.
type WeightMeasurement struct {
	Value   float32
	Counter uint32
}

// BatteryVoltage is a battery voltage sample in millivolts.
type BatteryVoltage struct {
	Millivolts uint32
}

// LowPowerWarning signals the device battery is nearly exhausted.
type LowPowerWarning struct{}

func (WeightMeasurement) frame() {}
func (BatteryVoltage) frame()    {}
func (LowPowerWarning) frame()   {}

// DecodeFrame parses one notification payload. It returns nil for unknown
// opcodes and for buffers too short for their opcode's payload: the wire
// format may evolve or drop bytes, so malformed input is skipped rather
// than treated as an error. Safe on arbitrary input.
func DecodeFrame(buf []byte) Frame {
	if len(buf) == 0 {
		return nil
	}

	switch buf[0] {
	case opBatteryVoltage:
		if len(buf) < 6 {
			return nil
		}
		return BatteryVoltage{Millivolts: binary.LittleEndian.Uint32(buf[2:6])}

	case opWeightReading:
		if len(buf) < 10 {
			return nil
		}
		return WeightMeasurement{
			Value:   math.Float32frombits(binary.LittleEndian.Uint32(buf[2:6])),
			Counter: binary.LittleEndian.Uint32(buf[6:10]),
		}

	case opLowPowerWarning:
		return LowPowerWarning{}

	default:
		return nil
	}
}

// AppendWeightFrame appends the wire encoding of a weight measurement to
// buf. Used by the simulated link and by codec tests.
func AppendWeightFrame(buf []byte, value float32, counter uint32) []byte {
	buf = append(buf, opWeightReading, 0)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(value))
	return binary.LittleEndian.AppendUint32(buf, counter)
}

// AppendBatteryFrame appends the wire encoding of a battery voltage sample.
func AppendBatteryFrame(buf []byte, millivolts uint32) []byte {
	buf = append(buf, opBatteryVoltage, 0)
	return binary.LittleEndian.AppendUint32(buf, millivolts)
}

// AppendLowPowerFrame appends the wire encoding of a low-power warning.
func AppendLowPowerFrame(buf []byte) []byte {
	return append(buf, opLowPowerWarning, 0)
}
