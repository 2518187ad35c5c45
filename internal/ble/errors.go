package ble

import "errors"

// Transport failure causes. Returned errors wrap exactly one of these.
var (
	ErrRadioPoweredOff   = errors.New("bluetooth is powered off")
	ErrRadioUnauthorized = errors.New("bluetooth access is not authorized")
	ErrRadioUnsupported  = errors.New("bluetooth is not supported")
	ErrRadioTimeout      = errors.New("timed out waiting for bluetooth")
	ErrScanTimeout       = errors.New("scan found no printers")
	ErrConnectTimeout    = errors.New("connect timed out")
	ErrConnectFailed     = errors.New("connect failed")
	ErrConnectCancelled  = errors.New("connect cancelled")
	ErrDisconnected      = errors.New("disconnected")
	ErrNotConnected      = errors.New("not connected")
	ErrWriteFailed       = errors.New("write failed")

	ErrServiceDiscoveryFailed        = errors.New("service discovery failed")
	ErrServiceNotFound               = errors.New("service not found")
	ErrCharacteristicDiscoveryFailed = errors.New("characteristic discovery failed")
	ErrCharacteristicNotFound        = errors.New("characteristic not found")
	ErrNotificationSetupFailed       = errors.New("notification setup failed")
)

// errOpTimeout is returned by await and rewrapped by each caller into the
// cause that fits the operation.
var errOpTimeout = errors.New("operation timed out")
