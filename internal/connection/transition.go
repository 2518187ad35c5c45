package connection

import "fmt"

// InvalidTransitionError is returned for any (state, event) pair outside the
// transition table.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("connection: invalid transition from %s on %s", e.From, e.Event)
}

// Transition returns the state that follows from on ev. It never mutates
// anything and never ignores an event: undeclared pairs fail.
func Transition(from State, ev Event) (State, error) {
	switch s := from.(type) {
	case Disconnected:
		switch e := ev.(type) {
		case StartScan:
			return Scanning{}, nil
		case Reconnect:
			return Connecting{DeviceID: e.DeviceID}, nil
		}

	case Scanning:
		switch e := ev.(type) {
		case RestartScan:
			return Scanning{}, nil
		case Connect:
			return Connecting{DeviceID: e.Printer.ID}, nil
		case CancelScan, ScanTimeout:
			return Disconnected{}, nil
		}

	case Connecting:
		switch e := ev.(type) {
		case ConnectSuccess:
			return Ready{DeviceID: e.DeviceID, DeviceName: e.DeviceName}, nil
		case ConnectFailed:
			return Error{Reason: e.Err}, nil
		case ConnectionLost:
			return Error{Reason: ErrConnectionLost}, nil
		}

	case Ready:
		switch ev.(type) {
		case PrintStart:
			return Busy{DeviceID: s.DeviceID, DeviceName: s.DeviceName}, nil
		case Disconnect:
			return Disconnected{}, nil
		case ConnectionLost:
			return Error{Reason: ErrConnectionLost}, nil
		}

	case Busy:
		switch e := ev.(type) {
		case PrintComplete:
			return Ready{DeviceID: s.DeviceID, DeviceName: s.DeviceName}, nil
		case PrintFailed:
			return Error{Reason: e.Err}, nil
		case ConnectionLost:
			return Error{Reason: ErrConnectionLost}, nil
		}

	case Error:
		if _, ok := ev.(Reset); ok {
			return Disconnected{}, nil
		}
	}
	return from, &InvalidTransitionError{From: from, Event: ev}
}

// RecoveryPath lists the events that walk from s back to Disconnected
// through declared transitions. reason is recorded on any intermediate
// failure event.
func RecoveryPath(s State, reason error) []Event {
	switch s.(type) {
	case Scanning:
		return []Event{CancelScan{}}
	case Connecting:
		return []Event{ConnectFailed{Err: reason}, Reset{}}
	case Ready:
		return []Event{Disconnect{}}
	case Busy:
		return []Event{PrintFailed{Err: reason}, Reset{}}
	case Error:
		return []Event{Reset{}}
	}
	return nil
}
