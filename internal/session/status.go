package session

import (
	"fmt"

	"github.com/chaz8081/mxprint/internal/connection"
	"github.com/chaz8081/mxprint/internal/reconnect"
)

// Status is a read-only snapshot for display.
type Status struct {
	State connection.State
	// Reconnect is set while a lost printer is being reconnected.
	Reconnect *reconnect.Session
}

// Status returns the current snapshot.
func (s *Session) Status() Status {
	st := Status{State: s.sm.Current()}
	if rs, ok := s.sup.Session(); ok {
		st.Reconnect = &rs
	}
	return st
}

func (st Status) String() string {
	if r := st.Reconnect; r != nil {
		name := r.DeviceName
		if name == "" {
			name = r.DeviceID
		}
		if r.Attempt == 0 {
			return fmt.Sprintf("Connection to %s lost, reconnecting", name)
		}
		return fmt.Sprintf("Reconnecting to %s (attempt %d of %d)", name, r.Attempt, r.MaxAttempts)
	}

	switch s := st.State.(type) {
	case connection.Disconnected:
		return "Not connected"
	case connection.Scanning:
		return "Scanning for printers"
	case connection.Connecting:
		return fmt.Sprintf("Connecting to %s", s.DeviceID)
	case connection.Ready:
		return fmt.Sprintf("Connected to %s", displayName(s.DeviceID, s.DeviceName))
	case connection.Busy:
		return fmt.Sprintf("Printing on %s", displayName(s.DeviceID, s.DeviceName))
	case connection.Error:
		return fmt.Sprintf("Error: %v", s.Reason)
	}
	return st.State.String()
}

func displayName(id, name string) string {
	if name == "" {
		return id
	}
	return name
}
