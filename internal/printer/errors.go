package printer

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/connection"
)

// Kind classifies a printer failure for callers and the UI.
type Kind int

const (
	ConnectionLost Kind = iota + 1
	ConnectionFailed
	Timeout
	BluetoothUnavailable
	BluetoothUnauthorized
	DeviceNotFound
	NotConnected
	OutOfPaper
	Overheated
	LowBattery
	Busy
	PrintFailed
	Cancelled
	InvalidResponse
)

var kindNames = map[Kind]string{
	ConnectionLost:        "connection lost",
	ConnectionFailed:      "connection failed",
	Timeout:               "timed out",
	BluetoothUnavailable:  "bluetooth unavailable",
	BluetoothUnauthorized: "bluetooth not authorized",
	DeviceNotFound:        "no printer found",
	NotConnected:          "not connected",
	OutOfPaper:            "out of paper",
	Overheated:            "printer overheated",
	LowBattery:            "battery low",
	Busy:                  "printer busy",
	PrintFailed:           "print failed",
	Cancelled:             "cancelled",
	InvalidResponse:       "invalid response from printer",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the domain error every printer operation returns.
type Error struct {
	Kind Kind
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "printer: " + e.Kind.String()
	}
	return fmt.Sprintf("printer: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so the sentinels below work
// with errors.Is regardless of cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConnectionLost        = &Error{Kind: ConnectionLost}
	ErrConnectionFailed      = &Error{Kind: ConnectionFailed}
	ErrTimeout               = &Error{Kind: Timeout}
	ErrBluetoothUnavailable  = &Error{Kind: BluetoothUnavailable}
	ErrBluetoothUnauthorized = &Error{Kind: BluetoothUnauthorized}
	ErrDeviceNotFound        = &Error{Kind: DeviceNotFound}
	ErrNotConnected          = &Error{Kind: NotConnected}
	ErrOutOfPaper            = &Error{Kind: OutOfPaper}
	ErrOverheated            = &Error{Kind: Overheated}
	ErrLowBattery            = &Error{Kind: LowBattery}
	ErrBusy                  = &Error{Kind: Busy}
	ErrPrintFailed           = &Error{Kind: PrintFailed}
	ErrCancelled             = &Error{Kind: Cancelled}
	ErrInvalidResponse       = &Error{Kind: InvalidResponse}
)

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// causes maps each lower-layer cause to exactly one Kind. Order matters only
// in that the first match wins.
var causes = []struct {
	err  error
	kind Kind
}{
	{ble.ErrDisconnected, ConnectionLost},
	{connection.ErrConnectionLost, ConnectionLost},
	{ble.ErrConnectFailed, ConnectionFailed},
	{ble.ErrServiceDiscoveryFailed, ConnectionFailed},
	{ble.ErrServiceNotFound, ConnectionFailed},
	{ble.ErrCharacteristicDiscoveryFailed, ConnectionFailed},
	{ble.ErrCharacteristicNotFound, ConnectionFailed},
	{ble.ErrNotificationSetupFailed, ConnectionFailed},
	{ble.ErrConnectTimeout, Timeout},
	{ble.ErrRadioTimeout, Timeout},
	{ble.ErrRadioPoweredOff, BluetoothUnavailable},
	{ble.ErrRadioUnsupported, BluetoothUnavailable},
	{ble.ErrRadioUnauthorized, BluetoothUnauthorized},
	{ble.ErrScanTimeout, DeviceNotFound},
	{ble.ErrNotConnected, NotConnected},
	{ble.ErrConnectCancelled, Cancelled},
	{connection.ErrCancelled, Cancelled},
	{ble.ErrWriteFailed, PrintFailed},
	{protocol.ErrOutOfPaper, OutOfPaper},
	{protocol.ErrOverheated, Overheated},
	{protocol.ErrLowBattery, LowBattery},
	{protocol.ErrInvalidResponse, InvalidResponse},
	{context.Canceled, Cancelled},
	{context.DeadlineExceeded, Timeout},
}

// FromTransport maps a transport, codec or state machine error to a
// printer *Error. An *Error passes through unchanged; nil stays nil.
// Unrecognised causes are ConnectionFailed.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return newError(KindOf(err), err)
}

// KindOf returns the Kind err maps to.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	for _, c := range causes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return ConnectionFailed
}
