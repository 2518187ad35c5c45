package printer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/connection"
)

func TestFromTransport(t *testing.T) {
	tests := []struct {
		cause error
		want  *Error
	}{
		{ble.ErrDisconnected, ErrConnectionLost},
		{connection.ErrConnectionLost, ErrConnectionLost},
		{ble.ErrConnectFailed, ErrConnectionFailed},
		{ble.ErrServiceDiscoveryFailed, ErrConnectionFailed},
		{ble.ErrServiceNotFound, ErrConnectionFailed},
		{ble.ErrCharacteristicDiscoveryFailed, ErrConnectionFailed},
		{ble.ErrCharacteristicNotFound, ErrConnectionFailed},
		{ble.ErrNotificationSetupFailed, ErrConnectionFailed},
		{ble.ErrConnectTimeout, ErrTimeout},
		{ble.ErrRadioTimeout, ErrTimeout},
		{ble.ErrRadioPoweredOff, ErrBluetoothUnavailable},
		{ble.ErrRadioUnsupported, ErrBluetoothUnavailable},
		{ble.ErrRadioUnauthorized, ErrBluetoothUnauthorized},
		{ble.ErrScanTimeout, ErrDeviceNotFound},
		{ble.ErrNotConnected, ErrNotConnected},
		{ble.ErrConnectCancelled, ErrCancelled},
		{ble.ErrWriteFailed, ErrPrintFailed},
		{protocol.ErrOutOfPaper, ErrOutOfPaper},
		{protocol.ErrOverheated, ErrOverheated},
		{protocol.ErrLowBattery, ErrLowBattery},
		{protocol.ErrInvalidResponse, ErrInvalidResponse},
		{context.Canceled, ErrCancelled},
		{context.DeadlineExceeded, ErrTimeout},
		{errors.New("radio on fire"), ErrConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.cause.Error(), func(t *testing.T) {
			err := FromTransport(fmt.Errorf("ble: op: %w", tt.cause))
			if !errors.Is(err, tt.want) {
				t.Errorf("FromTransport(%v) = %v, want kind %s", tt.cause, err, tt.want.Kind)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("FromTransport(%v) lost the cause", tt.cause)
			}
		})
	}
}

func TestFromTransportPassesThrough(t *testing.T) {
	if FromTransport(nil) != nil {
		t.Error("FromTransport(nil) != nil")
	}
	orig := newError(Busy, nil)
	if got := FromTransport(fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("FromTransport() = %v, want the wrapped *Error", got)
	}
}

func TestErrorIsMatchesKindOnly(t *testing.T) {
	err := newError(OutOfPaper, protocol.ErrOutOfPaper)
	if !errors.Is(err, ErrOutOfPaper) {
		t.Error("errors.Is(err, ErrOutOfPaper) = false")
	}
	if errors.Is(err, ErrOverheated) {
		t.Error("errors.Is(err, ErrOverheated) = true")
	}
	if KindOf(err) != OutOfPaper {
		t.Errorf("KindOf() = %s", KindOf(err))
	}
}
