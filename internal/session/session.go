// Package session is the printer surface the rest of the application uses.
// It ties the transport, connection machine, printer and reconnect
// supervisor together and keeps the persisted device and settings current.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/mxprint/internal/bitmap"
	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/connection"
	"github.com/chaz8081/mxprint/internal/printer"
	"github.com/chaz8081/mxprint/internal/reconnect"
	"github.com/chaz8081/mxprint/internal/store"
)

// ErrNoLastDevice is returned by ConnectLast when nothing was saved.
var ErrNoLastDevice = errors.New("session: no saved printer")

// Transport is the BLE surface a session drives; *ble.Transport
// implements it.
type Transport interface {
	WaitForRadioReady(ctx context.Context, timeout time.Duration) error
	Scan(ctx context.Context, timeout time.Duration) ([]ble.Device, error)
	ScanStream(ctx context.Context, timeout time.Duration) (<-chan []ble.Device, error)
	Connect(ctx context.Context, id string, timeout time.Duration) (ble.Handle, error)
	Disconnect() error
	Write(ctx context.Context, data []byte, mode ble.WriteMode) error
	Notifications(ctx context.Context) (<-chan []byte, error)
	SetDisconnectHandler(fn func(deviceID string))
}

// Options configures a Session.
type Options struct {
	RadioTimeout   time.Duration
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Printer        printer.CatOptions
	Reconnect      reconnect.Options
	Logger         *zap.Logger
}

// Defaults for Options.
const (
	DefaultRadioTimeout   = 5 * time.Second
	DefaultScanTimeout    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Session owns one printer connection at a time.
type Session struct {
	tr    Transport
	sm    *connection.Machine
	pr    printer.ThermalPrinter
	sup   *reconnect.Supervisor
	store store.Store
	opts  Options
	log   *zap.Logger

	mu     sync.Mutex
	detach context.CancelFunc // stops the printer's notification reader
}

// New wires a session over tr, persisting through st. The session installs
// itself as tr's disconnect handler.
func New(tr Transport, st store.Store, opts Options) *Session {
	if opts.RadioTimeout <= 0 {
		opts.RadioTimeout = DefaultRadioTimeout
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		tr:    tr,
		store: st,
		opts:  opts,
		log:   log.With(zap.String("component", "session")),
	}
	s.sm = connection.NewMachine(log)

	popts := opts.Printer
	popts.Logger = log
	s.pr = printer.NewCatPrinter(tr, s.sm, popts)

	ropts := opts.Reconnect
	ropts.Logger = log
	if ropts.ConnectTimeout <= 0 {
		ropts.ConnectTimeout = opts.ConnectTimeout
	}
	ropts.OnReconnected = func(ctx context.Context, h ble.Handle) {
		if err := s.ready(ctx, h); err != nil {
			s.log.Warn("printer setup after reconnect failed", zap.String("device", h.DeviceID), zap.Error(err))
		}
	}
	s.sup = reconnect.New(tr, s.sm, ropts)

	tr.SetDisconnectHandler(s.sup.HandleDisconnect)
	return s
}

// Machine exposes the connection state for observers.
func (s *Session) Machine() *connection.Machine { return s.sm }

// Printer returns the printer driver.
func (s *Session) Printer() printer.ThermalPrinter { return s.pr }

func (s *Session) radio(ctx context.Context) error {
	if err := s.tr.WaitForRadioReady(ctx, s.opts.RadioTimeout); err != nil {
		return printer.FromTransport(err)
	}
	return nil
}

// startScan enters Scanning, restarting a scan that already ran.
func (s *Session) startScan() error {
	var ev connection.Event = connection.StartScan{}
	if _, ok := s.sm.Current().(connection.Scanning); ok {
		ev = connection.RestartScan{}
	}
	if _, _, err := s.sm.Fire(ev); err != nil {
		return fmt.Errorf("session: scan: %w", err)
	}
	return nil
}

// endScan leaves Scanning after a scan that found nothing or failed.
func (s *Session) endScan(err error) {
	var ev connection.Event = connection.CancelScan{}
	if errors.Is(err, ble.ErrScanTimeout) {
		ev = connection.ScanTimeout{}
	}
	if _, _, ferr := s.sm.Fire(ev); ferr != nil {
		s.log.Debug("scan end not recorded", zap.Error(ferr))
	}
}

// Scan looks for printers for the configured timeout and returns them
// strongest first. Found printers leave the session Scanning so one can be
// picked with Connect; an empty scan ends Disconnected with an error.
func (s *Session) Scan(ctx context.Context) ([]ble.Device, error) {
	if err := s.radio(ctx); err != nil {
		return nil, err
	}
	if err := s.startScan(); err != nil {
		return nil, err
	}
	devices, err := s.tr.Scan(ctx, s.opts.ScanTimeout)
	if err != nil {
		s.endScan(err)
		return []ble.Device{}, printer.FromTransport(err)
	}
	return devices, nil
}

// ScanStream is Scan delivering the growing device list as printers
// appear. The channel closes when the scan ends; if nothing was found the
// session returns to Disconnected.
func (s *Session) ScanStream(ctx context.Context) (<-chan []ble.Device, error) {
	if err := s.radio(ctx); err != nil {
		return nil, err
	}
	if err := s.startScan(); err != nil {
		return nil, err
	}
	in, err := s.tr.ScanStream(ctx, s.opts.ScanTimeout)
	if err != nil {
		s.endScan(err)
		return nil, printer.FromTransport(err)
	}

	out := make(chan []ble.Device)
	go func() {
		defer close(out)
		found := false
		for devices := range in {
			found = found || len(devices) > 0
			select {
			case out <- devices:
			case <-ctx.Done():
			}
		}
		switch {
		case ctx.Err() != nil:
			s.endScan(ctx.Err())
		case !found:
			s.endScan(ble.ErrScanTimeout)
		}
	}()
	return out, nil
}

// StopScan abandons the scan results without connecting.
func (s *Session) StopScan() error {
	if _, _, err := s.sm.Fire(connection.CancelScan{}); err != nil {
		return fmt.Errorf("session: stop scan: %w", err)
	}
	return nil
}

// Connect opens a link to dev. From Scanning it picks a scanned printer;
// from Disconnected it connects to a known printer without scanning. On
// success the saved settings are applied and dev becomes the last device.
// A failed connect leaves the session in Error until Reset.
func (s *Session) Connect(ctx context.Context, dev ble.Device) error {
	if err := s.radio(ctx); err != nil {
		return err
	}

	var ev connection.Event = connection.Reconnect{DeviceID: dev.ID}
	if _, ok := s.sm.Current().(connection.Scanning); ok {
		ev = connection.Connect{Printer: connection.Printer{ID: dev.ID, Name: dev.Name}}
	}
	if _, _, err := s.sm.Fire(ev); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}

	log := s.log.With(zap.String("device", dev.ID))
	log.Info("connecting", zap.String("name", dev.Name))

	h, err := s.tr.Connect(ctx, dev.ID, s.opts.ConnectTimeout)
	if err != nil {
		perr := printer.FromTransport(err)
		if _, _, ferr := s.sm.Fire(connection.ConnectFailed{Err: perr}); ferr != nil {
			log.Debug("connect failure not recorded", zap.Error(ferr))
		}
		return perr
	}
	if h.DeviceName == "" {
		h.DeviceName = dev.Name
	}
	if _, _, err := s.sm.Fire(connection.ConnectSuccess{DeviceID: h.DeviceID, DeviceName: h.DeviceName}); err != nil {
		// The link dropped before we got here.
		return printer.FromTransport(ble.ErrDisconnected)
	}
	log.Info("connected", zap.Int("mtu", h.MTU))

	return s.ready(ctx, h)
}

// ConnectLast connects to the last printer this store saw.
func (s *Session) ConnectLast(ctx context.Context) error {
	id, name, ok, err := s.store.LastDevice()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoLastDevice
	}
	return s.Connect(ctx, ble.Device{ID: id, Name: name})
}

// ready prepares a fresh link: the printer starts reading notifications,
// the saved settings are sent and the device is remembered.
func (s *Session) ready(ctx context.Context, h ble.Handle) error {
	actx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.detach != nil {
		s.detach()
	}
	s.detach = cancel
	s.mu.Unlock()

	if err := s.pr.Attach(actx); err != nil {
		return err
	}

	settings, err := s.store.Settings()
	if err != nil {
		s.log.Warn("using default settings", zap.Error(err))
	}
	if err := s.pr.ApplySettings(ctx, settings); err != nil {
		return err
	}
	if err := s.store.SaveLastDevice(h.DeviceID, h.DeviceName); err != nil {
		s.log.Warn("could not save last device", zap.Error(err))
	}
	return nil
}

// Disconnect closes the link on request. A reconnect in progress is
// cancelled first and never resumes. The session ends Disconnected.
func (s *Session) Disconnect() error {
	s.sup.Cancel()

	s.mu.Lock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.mu.Unlock()

	err := s.tr.Disconnect()
	if rerr := s.sm.Recover(connection.ErrCancelled); rerr != nil {
		s.log.Warn("could not return to disconnected", zap.Error(rerr))
	}
	if err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

// Reset clears an Error state so the printer can be connected again.
func (s *Session) Reset() error {
	if _, _, err := s.sm.Fire(connection.Reset{}); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	return nil
}

// Print prints bmp. See printer.ThermalPrinter.
func (s *Session) Print(ctx context.Context, bmp *bitmap.MonoBitmap, onProgress func(float64)) error {
	return s.pr.Print(ctx, bmp, onProgress)
}

// ApplySettings sends settings to the printer and saves them.
func (s *Session) ApplySettings(ctx context.Context, settings printer.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.pr.ApplySettings(ctx, settings); err != nil {
		return err
	}
	return s.store.SaveSettings(settings)
}

// SetQuality changes and saves the print density.
func (s *Session) SetQuality(ctx context.Context, q protocol.Quality) error {
	if err := s.pr.SetQuality(ctx, q); err != nil {
		return err
	}
	return s.updateSettings(func(st *printer.Settings) { st.Quality = q })
}

// SetEnergy changes and saves the heating energy. It has no effect on the
// printer until ApplyEnergy.
func (s *Session) SetEnergy(ctx context.Context, energy byte) error {
	if err := s.pr.SetEnergy(ctx, energy); err != nil {
		return err
	}
	return s.updateSettings(func(st *printer.Settings) { st.Energy = energy })
}

// ApplyEnergy commits the energy set by SetEnergy.
func (s *Session) ApplyEnergy(ctx context.Context) error {
	return s.pr.ApplyEnergy(ctx)
}

// FeedPaper advances the paper by lines dot rows.
func (s *Session) FeedPaper(ctx context.Context, lines uint16) error {
	return s.pr.FeedPaper(ctx, lines)
}

// Retract pulls the paper back by lines dot rows.
func (s *Session) Retract(ctx context.Context, lines uint16) error {
	return s.pr.Retract(ctx, lines)
}

// QueryStatus asks the printer for its status byte.
func (s *Session) QueryStatus(ctx context.Context) (printer.Status, error) {
	return s.pr.QueryStatus(ctx)
}

func (s *Session) updateSettings(fn func(*printer.Settings)) error {
	st, err := s.store.Settings()
	if err != nil {
		s.log.Warn("replacing unreadable settings", zap.Error(err))
	}
	fn(&st)
	return s.store.SaveSettings(st)
}

// Close disconnects and waits for background work to stop.
func (s *Session) Close() error {
	return s.Disconnect()
}
