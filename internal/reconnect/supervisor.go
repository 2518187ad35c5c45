// Package reconnect recovers a printer link the printer dropped on its own.
package reconnect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/connection"
)

// Defaults for Options.
const (
	DefaultMaxAttempts    = 3
	DefaultDelay          = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Connector opens a link; *ble.Transport implements it.
type Connector interface {
	Connect(ctx context.Context, id string, timeout time.Duration) (ble.Handle, error)
}

// Machine is the connection state the supervisor drives.
type Machine interface {
	Current() connection.State
	Fire(ev connection.Event) (prev, next connection.State, err error)
	Recover(reason error) error
}

// Options configures a Supervisor.
type Options struct {
	MaxAttempts    int
	Delay          time.Duration // wait before every attempt
	ConnectTimeout time.Duration
	// OnReconnected runs after the machine reaches Ready again, on the
	// supervisor goroutine. It must not call Cancel.
	OnReconnected func(ctx context.Context, h ble.Handle)
	Logger        *zap.Logger
}

// Session describes a recovery in progress.
type Session struct {
	DeviceID    string
	DeviceName  string
	Attempt     int // 1-based; 0 until the first attempt starts
	MaxAttempts int
}

// Supervisor runs bounded reconnect attempts after an unexpected
// disconnect. At most one session runs at a time.
type Supervisor struct {
	conn Connector
	sm   Machine
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Supervisor. Zero option fields take their defaults.
func New(conn Connector, sm Machine, opts Options) *Supervisor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		conn: conn,
		sm:   sm,
		opts: opts,
		log:  log.With(zap.String("component", "reconnect")),
	}
}

// HandleDisconnect is the transport's passive disconnect handler. It records
// the loss on the machine and, if a printer was connected, starts a
// recovery session in the background.
func (s *Supervisor) HandleDisconnect(deviceID string) {
	cur := s.sm.Current()
	if !connection.IsConnected(cur) {
		s.log.Debug("link lost outside a connected state", zap.String("device", deviceID), zap.Stringer("state", cur))
		return
	}
	prev, _, err := s.sm.Fire(connection.ConnectionLost{})
	if err != nil {
		s.log.Debug("connection loss not recorded", zap.Error(err))
		return
	}
	id, name, ok := connection.DeviceOf(prev)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{DeviceID: id, DeviceName: name, MaxAttempts: s.opts.MaxAttempts}
	s.session = sess
	s.cancel = cancel
	s.done = make(chan struct{})

	s.log.Warn("printer disconnected, reconnecting",
		zap.String("device", id), zap.Int("max_attempts", s.opts.MaxAttempts))
	go s.run(ctx, *sess, s.done)
}

func (s *Supervisor) run(ctx context.Context, sess Session, done chan struct{}) {
	defer close(done)
	defer s.finish(done)

	for attempt := 1; attempt <= sess.MaxAttempts; attempt++ {
		timer := time.NewTimer(s.opts.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("reconnect cancelled", zap.String("device", sess.DeviceID))
			return
		}
		s.setAttempt(done, attempt)

		if s.attempt(ctx, sess, attempt) {
			return
		}
		if ctx.Err() != nil {
			s.log.Info("reconnect cancelled", zap.String("device", sess.DeviceID))
			return
		}
	}

	s.log.Warn("reconnect gave up", zap.String("device", sess.DeviceID), zap.Int("attempts", sess.MaxAttempts))
	if err := s.sm.Recover(connection.ErrConnectionLost); err != nil {
		s.log.Error("could not return to disconnected", zap.Error(err))
	}
}

// attempt makes one reconnect attempt and reports whether it succeeded.
func (s *Supervisor) attempt(ctx context.Context, sess Session, n int) bool {
	log := s.log.With(zap.String("device", sess.DeviceID), zap.Int("attempt", n))

	// A previous failed attempt leaves the machine in Error or Connecting.
	if err := s.sm.Recover(connection.ErrConnectionLost); err != nil {
		log.Warn("recovery to disconnected failed", zap.Error(err))
		return false
	}
	if _, _, err := s.sm.Fire(connection.Reconnect{DeviceID: sess.DeviceID}); err != nil {
		log.Warn("reconnect rejected", zap.Error(err))
		return false
	}

	h, err := s.conn.Connect(ctx, sess.DeviceID, s.opts.ConnectTimeout)
	if err != nil {
		if ctx.Err() != nil {
			// The caller disconnected; it owns the machine from here.
			return false
		}
		log.Warn("reconnect failed", zap.Error(err))
		s.sm.Fire(connection.ConnectFailed{Err: err})
		return false
	}

	name := h.DeviceName
	if name == "" {
		name = sess.DeviceName
	}
	if _, _, err := s.sm.Fire(connection.ConnectSuccess{DeviceID: sess.DeviceID, DeviceName: name}); err != nil {
		log.Warn("reconnect succeeded but state moved on", zap.Error(err))
		return false
	}
	log.Info("reconnected")
	if s.opts.OnReconnected != nil {
		s.opts.OnReconnected(ctx, ble.Handle{DeviceID: sess.DeviceID, DeviceName: name, MTU: h.MTU})
	}
	return true
}

func (s *Supervisor) setAttempt(done chan struct{}, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done && s.session != nil {
		s.session.Attempt = n
	}
}

func (s *Supervisor) finish(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.session = nil
		s.cancel = nil
		s.done = nil
	}
}

// Cancel stops the running session, if any, discards the captured device
// and waits for the session goroutine to exit. No attempt starts after
// Cancel returns.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.session = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Session returns a snapshot of the running session.
func (s *Supervisor) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// Wait blocks until the running session, if any, ends.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
