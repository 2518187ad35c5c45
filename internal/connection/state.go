// Package connection holds the printer connection lifecycle: a closed set of
// states, the events that move between them, and the pure transition
// function that decides what can happen next.
package connection

import (
	"errors"
	"fmt"
)

// ErrConnectionLost is the reason recorded when the link drops.
var ErrConnectionLost = errors.New("connection lost")

// ErrCancelled is the reason recorded when an operation is abandoned by the
// caller, used on the explicit recovery path.
var ErrCancelled = errors.New("cancelled")

// State is one of Disconnected, Scanning, Connecting, Ready, Busy or Error.
type State interface {
	fmt.Stringer
	state()
}

// Disconnected is the initial state.
type Disconnected struct{}

// Scanning means a device scan is in progress.
type Scanning struct{}

// Connecting means a link to DeviceID is being established.
type Connecting struct {
	DeviceID string
}

// Ready means the link is up and idle.
type Ready struct {
	DeviceID   string
	DeviceName string
}

// Busy means a print job owns the link. The device name is carried so that
// finishing the job restores Ready without outside help.
type Busy struct {
	DeviceID   string
	DeviceName string
}

// Error holds the reason the connection failed. Leaving it requires Reset.
type Error struct {
	Reason error
}

func (Disconnected) state() {}
func (Scanning) state()     {}
func (Connecting) state()   {}
func (Ready) state()        {}
func (Busy) state()         {}
func (Error) state()        {}

func (Disconnected) String() string { return "disconnected" }
func (Scanning) String() string     { return "scanning" }
func (s Connecting) String() string { return fmt.Sprintf("connecting(%s)", s.DeviceID) }
func (s Ready) String() string      { return fmt.Sprintf("ready(%s, %s)", s.DeviceID, s.DeviceName) }
func (s Busy) String() string       { return fmt.Sprintf("busy(%s)", s.DeviceID) }
func (s Error) String() string      { return fmt.Sprintf("error(%v)", s.Reason) }

// IsConnected reports whether s has a live link (Ready or Busy).
func IsConnected(s State) bool {
	switch s.(type) {
	case Ready, Busy:
		return true
	}
	return false
}

// DeviceOf returns the device identity held by s, if any.
func DeviceOf(s State) (id, name string, ok bool) {
	switch s := s.(type) {
	case Connecting:
		return s.DeviceID, "", true
	case Ready:
		return s.DeviceID, s.DeviceName, true
	case Busy:
		return s.DeviceID, s.DeviceName, true
	}
	return "", "", false
}
