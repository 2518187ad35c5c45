// Package ble wraps a host Bluetooth LE stack behind the blocking,
// timeout-bounded calls a thermal printer session needs: radio readiness,
// scanning, connecting with service discovery, flow-controlled writes and a
// notification stream.
package ble

import (
	"context"
	"strings"
	"sync"
)

// Default GATT layout of Cat/MX printers. The firmware does not advertise
// the service, so devices are found by name prefix instead.
const (
	ServiceUUID    = "0000ae30-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000ae01-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000ae02-0000-1000-8000-00805f9b34fb"
)

// DefaultNamePrefixes are the advertised name prefixes of supported printers.
var DefaultNamePrefixes = []string{"MX", "GB", "Cat"}

// RadioState is the power/authorization state reported by the host radio.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnauthorized
	RadioUnsupported
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "on"
	case RadioPoweredOff:
		return "off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Advertisement is one scan report from the host.
type Advertisement struct {
	ID   string
	Name string
	RSSI int
}

// Device is a printer found by a scan. Higher RSSI is a stronger signal.
type Device struct {
	ID   string
	Name string
	RSSI int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	UUID() string
	// Write sends data and returns once the peer acknowledged it.
	Write(data []byte) error
	// WriteWithoutResponse queues data in the host's transmit buffer.
	WriteWithoutResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	DiscoverCharacteristics(uuids []string) ([]Characteristic, error)
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	DiscoverServices(uuids []string) ([]Service, error)
	// MTU returns the negotiated ATT MTU.
	MTU() int
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
	// OnWriteReady registers a callback invoked whenever the host has room
	// for another unacknowledged write.
	OnWriteReady(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	RadioState() RadioState
	// OnRadioStateChange registers the single radio state callback;
	// nil removes it.
	OnRadioStateChange(callback func(RadioState))
	// Scan reports advertisements to found until ctx is done.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Connect establishes a connection to the device with the given id.
	// If ctx ends first the attempt is abandoned and any late link is closed.
	Connect(ctx context.Context, id string) (Connection, error)
}

// sameUUID compares UUIDs in 16-bit or 128-bit notation, with or without
// dashes.
func sameUUID(a, b string) bool {
	return expandUUID(a) == expandUUID(b)
}

// expandUUID returns the dashed 128-bit form of s. A 16-bit short form such
// as "ae30" is placed in the Bluetooth base UUID.
func expandUUID(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.ReplaceAll(s, "-", "")
	if len(s) == 4 {
		s = "0000" + s + "00001000800000805f9b34fb"
	}
	if len(s) != 32 {
		return s
	}
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
}

// callbackSlot holds one replaceable callback, shared by host backends.
type callbackSlot struct {
	mu sync.Mutex
	fn func()
}

func (s *callbackSlot) set(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *callbackSlot) fire() {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// radioSlot tracks the radio state and its change callback.
type radioSlot struct {
	mu    sync.Mutex
	state RadioState
	fn    func(RadioState)
}

func (s *radioSlot) get() RadioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *radioSlot) setCallback(fn func(RadioState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *radioSlot) update(state RadioState) {
	s.mu.Lock()
	s.state = state
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}
