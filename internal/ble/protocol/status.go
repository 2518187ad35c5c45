package protocol

import (
	"errors"
	"fmt"
)

// statusOffset is the position of the status byte in a getStatus response:
// the first payload byte.
const statusOffset = HeaderLen

// Status bits reported by getStatus.
const (
	StatusOutOfPaper byte = 1 << 0
	StatusCoverOpen  byte = 1 << 1
	StatusOverheated byte = 1 << 2
	StatusLowBattery byte = 1 << 3
)

// Printer faults derived from a status byte.
var (
	ErrOutOfPaper = errors.New("printer out of paper")
	ErrOverheated = errors.New("printer overheated")
	ErrLowBattery = errors.New("printer battery low")
)

// ParseStatusResponse validates a getStatus response and returns its status
// byte. Only the prefix, command id and length are checked; firmware is
// inconsistent about the trailing checksum of status frames.
func ParseStatusResponse(data []byte) (byte, error) {
	if len(data) < statusOffset+1 {
		return 0, fmt.Errorf("%w: status frame of %d bytes", ErrInvalidResponse, len(data))
	}
	if data[0] != Prefix0 || data[1] != Prefix1 {
		return 0, fmt.Errorf("%w: bad prefix %02x%02x", ErrInvalidResponse, data[0], data[1])
	}
	if Command(data[2]) != CmdGetStatus {
		return 0, fmt.Errorf("%w: command %s is not %s", ErrInvalidResponse, Command(data[2]), CmdGetStatus)
	}
	if n := int(data[4]) | int(data[5])<<8; n < 1 {
		return 0, fmt.Errorf("%w: empty status payload", ErrInvalidResponse)
	}
	return data[statusOffset], nil
}

// ErrorFromStatus maps the fault bits of status to a printer error, or nil
// when no fault is reported. Paper outranks heat, which outranks battery.
func ErrorFromStatus(status byte) error {
	switch {
	case status&StatusOutOfPaper != 0:
		return ErrOutOfPaper
	case status&StatusOverheated != 0:
		return ErrOverheated
	case status&StatusLowBattery != 0:
		return ErrLowBattery
	}
	return nil
}

// Flow-control payload values sent by the printer while its row buffer fills
// and drains.
const (
	flowPause  byte = 0x10
	flowResume byte = 0x00
)

// ParseFlowControl reports whether data is a flow-control notification and,
// if so, whether it asks the sender to pause.
func ParseFlowControl(data []byte) (paused, ok bool) {
	if len(data) < statusOffset+1 || data[0] != Prefix0 || data[1] != Prefix1 {
		return false, false
	}
	if Command(data[2]) != CmdFlowControl {
		return false, false
	}
	switch data[statusOffset] {
	case flowPause:
		return true, true
	case flowResume:
		return false, true
	}
	return false, false
}
