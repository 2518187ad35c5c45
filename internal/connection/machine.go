package connection

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Machine owns the current connection state. The only way to change it is
// Fire, which applies Transition atomically.
type Machine struct {
	mu    sync.Mutex
	state State

	handlers []func(prev, next State)
	stateCh  chan State

	logger *zap.Logger
}

// NewMachine returns a Machine in Disconnected. A nil logger discards output.
func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		state:  Disconnected{},
		logger: logger.With(zap.String("component", "connection")),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies ev to the current state. It returns the state before and
// after; on an invalid transition the state is unchanged and both are equal.
func (m *Machine) Fire(ev Event) (prev, next State, err error) {
	m.mu.Lock()
	prev = m.state
	next, err = Transition(prev, ev)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("rejected event", zap.Stringer("state", prev), zap.Stringer("event", ev))
		return prev, prev, err
	}
	m.state = next
	handlers := m.handlers
	ch := m.stateCh
	m.mu.Unlock()

	m.logger.Debug("transition", zap.Stringer("from", prev), zap.Stringer("event", ev), zap.Stringer("to", next))

	for _, h := range handlers {
		h(prev, next)
	}
	if ch != nil {
		select {
		case ch <- next:
		default:
		}
	}
	return prev, next, nil
}

// Recover walks the machine back to Disconnected through declared events,
// recording reason on any failure event it has to emit. Another goroutine
// may move the machine while it walks, for example a print job failing as
// its link is closed; a rejected event restarts the walk from the state
// the machine is actually in.
func (m *Machine) Recover(reason error) error {
	for {
		cur := m.Current()
		path := RecoveryPath(cur, reason)
		if len(path) == 0 {
			return nil
		}
		m.logger.Info("recovering to disconnected", zap.Stringer("state", cur))
		for _, ev := range path {
			if _, _, err := m.Fire(ev); err != nil {
				var invalid *InvalidTransitionError
				if !errors.As(err, &invalid) {
					return err
				}
				break
			}
		}
	}
}

// OnStateChange registers a handler called after every accepted transition.
// Handlers run on the firing goroutine and must not call Fire.
func (m *Machine) OnStateChange(fn func(prev, next State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// SetStateChangeChannel publishes every new state to ch without blocking;
// states are dropped while ch is full.
func (m *Machine) SetStateChangeChannel(ch chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCh = ch
}
