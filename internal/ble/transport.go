package ble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/mxprint/internal/ble/protocol"
)

// WriteMode selects how a write is delivered.
type WriteMode int

const (
	// WithResponse waits for the peer to acknowledge every chunk.
	WithResponse WriteMode = iota
	// WithoutResponse queues chunks in the host buffer, pacing on its
	// "ready to send" signal.
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithResponse {
		return "with-response"
	}
	return "without-response"
}

// Options configures a Transport.
type Options struct {
	NamePrefixes     []string      // advertised name prefixes accepted by Scan
	ServiceUUID      string        // printer GATT service
	WriteCharUUID    string        // characteristic commands are written to
	NotifyCharUUID   string        // characteristic status packets arrive on
	DiscoveryTimeout time.Duration // bound for each discovery step
	WriteTimeout     time.Duration // bound for one chunk write or buffer wait
	Logger           *zap.Logger
}

// DefaultOptions returns the Cat/MX defaults.
func DefaultOptions() Options {
	return Options{
		NamePrefixes:     DefaultNamePrefixes,
		ServiceUUID:      ServiceUUID,
		WriteCharUUID:    WriteCharUUID,
		NotifyCharUUID:   NotifyCharUUID,
		DiscoveryTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}

// Handle describes the live link returned by Connect.
type Handle struct {
	DeviceID   string
	DeviceName string
	MTU        int
}

// Transport owns the single connected printer link. Operations on it are
// serialized; Disconnect may be called at any time and unblocks them.
type Transport struct {
	adapter Adapter
	opts    Options
	log     *zap.Logger

	opMu sync.Mutex // serializes scan, connect, write and subscribe

	mu           sync.Mutex
	link         *link
	names        map[string]string // advertised names seen by scans
	onDisconnect func(deviceID string)
	enabled      bool
}

// link is the per-connection session state discarded on disconnect.
type link struct {
	id     string
	name   string
	conn   Connection
	write  Characteristic
	notify Characteristic
	mtu    int
	gate   *flowGate

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[*notifyStream]struct{}
	closed  bool
}

// NewTransport wraps adapter. Zero option fields take their defaults.
func NewTransport(adapter Adapter, opts Options) *Transport {
	def := DefaultOptions()
	if len(opts.NamePrefixes) == 0 {
		opts.NamePrefixes = def.NamePrefixes
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = def.WriteCharUUID
	}
	if opts.NotifyCharUUID == "" {
		opts.NotifyCharUUID = def.NotifyCharUUID
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		adapter: adapter,
		opts:    opts,
		log:     log.With(zap.String("component", "ble")),
		names:   make(map[string]string),
	}
}

// SetDisconnectHandler registers fn to run when the printer drops the link
// without being asked. fn runs on the host callback before pending
// operations are failed, and must not block.
func (t *Transport) SetDisconnectHandler(fn func(deviceID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// WaitForRadioReady enables the adapter and waits until the radio is on.
func (t *Transport) WaitForRadioReady(ctx context.Context, timeout time.Duration) error {
	if err := t.enable(); err != nil {
		return err
	}

	changed := make(chan RadioState, 1)
	t.adapter.OnRadioStateChange(func(s RadioState) {
		select {
		case changed <- s:
		default:
			// Keep only the newest state.
			select {
			case <-changed:
			default:
			}
			select {
			case changed <- s:
			default:
			}
		}
	})
	defer t.adapter.OnRadioStateChange(nil)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	state := t.adapter.RadioState()
	for {
		switch state {
		case RadioPoweredOn:
			return nil
		case RadioUnauthorized:
			return fmt.Errorf("ble: radio: %w", ErrRadioUnauthorized)
		case RadioUnsupported:
			return fmt.Errorf("ble: radio: %w", ErrRadioUnsupported)
		}
		select {
		case state = <-changed:
			t.log.Debug("radio state changed", zap.Stringer("state", state))
		case <-timer.C:
			if state == RadioPoweredOff {
				return fmt.Errorf("ble: radio: %w", ErrRadioPoweredOff)
			}
			return fmt.Errorf("ble: radio not ready after %s: %w", timeout, ErrRadioTimeout)
		case <-ctx.Done():
			return fmt.Errorf("ble: radio: %w", ctx.Err())
		}
	}
}

func (t *Transport) enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		if errors.Is(err, ErrRadioUnauthorized) || errors.Is(err, ErrRadioUnsupported) {
			return fmt.Errorf("ble: enable adapter: %w", err)
		}
		return fmt.Errorf("ble: enable adapter: %w: %v", ErrRadioUnsupported, err)
	}
	t.enabled = true
	return nil
}

// radioError reports why scanning or connecting cannot start, if it can't.
func (t *Transport) radioError() error {
	switch t.adapter.RadioState() {
	case RadioPoweredOff:
		return ErrRadioPoweredOff
	case RadioUnauthorized:
		return ErrRadioUnauthorized
	case RadioUnsupported:
		return ErrRadioUnsupported
	}
	return nil
}

// Scan listens for printers until timeout and returns them strongest first.
// It fails with ErrScanTimeout when nothing matched.
func (t *Transport) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if err := t.radioError(); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	set := newDeviceSet()
	err := t.adapter.Scan(scanCtx, func(adv Advertisement) {
		if t.matches(adv.Name) {
			set.add(adv)
		}
	})
	if err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ble: scan: %w", ctx.Err())
	}

	devices := set.sorted()
	t.remember(devices)
	if len(devices) == 0 {
		return nil, fmt.Errorf("ble: scan for %s: %w", timeout, ErrScanTimeout)
	}
	t.log.Info("scan finished", zap.Int("devices", len(devices)))
	return devices, nil
}

// ScanStream scans until timeout or ctx ends, sending the updated sorted
// device list each time a new printer appears. The channel is closed when
// the scan stops. An empty scan closes the channel without error.
func (t *Transport) ScanStream(ctx context.Context, timeout time.Duration) (<-chan []Device, error) {
	t.opMu.Lock()
	if err := t.radioError(); err != nil {
		t.opMu.Unlock()
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	out := make(chan []Device, 1)
	scanCtx, cancel := context.WithTimeout(ctx, timeout)

	go func() {
		defer t.opMu.Unlock()
		defer cancel()
		defer close(out)

		set := newDeviceSet()
		err := t.adapter.Scan(scanCtx, func(adv Advertisement) {
			if !t.matches(adv.Name) || !set.add(adv) {
				return
			}
			snapshot := set.sorted()
			t.remember(snapshot)
			// Replace an unread snapshot with the newer one.
			select {
			case <-out:
			default:
			}
			select {
			case out <- snapshot:
			case <-scanCtx.Done():
			}
		})
		if err != nil && scanCtx.Err() == nil {
			t.log.Warn("scan stream stopped", zap.Error(err))
		}
	}()
	return out, nil
}

func (t *Transport) matches(name string) bool {
	for _, p := range t.opts.NamePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (t *Transport) remember(devices []Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range devices {
		t.names[d.ID] = d.Name
	}
}

// deviceSet dedupes advertisements by id, keeping the latest signal.
type deviceSet struct {
	mu   sync.Mutex
	byID map[string]Device
}

func newDeviceSet() *deviceSet {
	return &deviceSet{byID: make(map[string]Device)}
}

// add records adv and reports whether its id is new.
func (s *deviceSet) add(adv Advertisement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.byID[adv.ID]
	s.byID[adv.ID] = Device{ID: adv.ID, Name: adv.Name, RSSI: adv.RSSI}
	return !seen
}

func (s *deviceSet) sorted() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Connect opens a link to id within timeout, then discovers the printer
// service and its write and notify characteristics. Any failure after the
// link is up closes it again. An existing link is closed first.
func (t *Transport) Connect(ctx context.Context, id string, timeout time.Duration) (Handle, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if err := t.radioError(); err != nil {
		return Handle{}, fmt.Errorf("ble: connect to %s: %w", id, err)
	}
	if old := t.detach(); old != nil {
		t.log.Info("closing previous link", zap.String("device", old.id))
		old.teardown()
		old.conn.Disconnect()
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.adapter.Connect(connCtx, id)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Handle{}, fmt.Errorf("ble: connect to %s: %w", id, ErrConnectCancelled)
		case connCtx.Err() != nil:
			return Handle{}, fmt.Errorf("ble: connect to %s after %s: %w", id, timeout, ErrConnectTimeout)
		}
		return Handle{}, fmt.Errorf("ble: connect to %s: %w: %v", id, ErrConnectFailed, err)
	}

	// The host can report the drop while discovery is still running, so the
	// handler goes in first and only acts on a link once it is published.
	var setup struct {
		sync.Mutex
		lost bool
		link *link
	}
	conn.OnDisconnect(func() {
		setup.Lock()
		setup.lost = true
		l := setup.link
		setup.Unlock()
		if l != nil {
			t.linkLost(l)
		}
	})

	l, err := t.discover(ctx, id, conn)
	if err != nil {
		conn.Disconnect()
		return Handle{}, err
	}
	conn.OnWriteReady(l.gate.signal)

	setup.Lock()
	if setup.lost {
		setup.Unlock()
		l.teardown()
		conn.Disconnect()
		return Handle{}, fmt.Errorf("ble: connect to %s: %w: link dropped during setup", id, ErrConnectFailed)
	}
	setup.link = l
	t.mu.Lock()
	l.name = t.names[id]
	t.link = l
	t.mu.Unlock()
	setup.Unlock()

	t.log.Info("connected", zap.String("device", id), zap.String("name", l.name), zap.Int("mtu", l.mtu))
	return l.handle(), nil
}

func (t *Transport) discover(ctx context.Context, id string, conn Connection) (*link, error) {
	timeout := t.opts.DiscoveryTimeout

	services, err := await(ctx, timeout, func() ([]Service, error) {
		return conn.DiscoverServices([]string{t.opts.ServiceUUID})
	})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services on %s: %w: %v", id, ErrServiceDiscoveryFailed, err)
	}
	var svc Service
	for _, s := range services {
		if sameUUID(s.UUID(), t.opts.ServiceUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, fmt.Errorf("ble: service %s on %s: %w", t.opts.ServiceUUID, id, ErrServiceNotFound)
	}

	chars, err := await(ctx, timeout, func() ([]Characteristic, error) {
		return svc.DiscoverCharacteristics([]string{t.opts.WriteCharUUID, t.opts.NotifyCharUUID})
	})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics on %s: %w: %v", id, ErrCharacteristicDiscoveryFailed, err)
	}
	var write, notify Characteristic
	for _, c := range chars {
		switch {
		case sameUUID(c.UUID(), t.opts.WriteCharUUID):
			write = c
		case sameUUID(c.UUID(), t.opts.NotifyCharUUID):
			notify = c
		}
	}
	if write == nil {
		return nil, fmt.Errorf("ble: write characteristic %s on %s: %w", t.opts.WriteCharUUID, id, ErrCharacteristicNotFound)
	}
	if notify == nil {
		return nil, fmt.Errorf("ble: notify characteristic %s on %s: %w", t.opts.NotifyCharUUID, id, ErrCharacteristicNotFound)
	}

	lctx, lcancel := context.WithCancel(context.Background())
	l := &link{
		id:      id,
		conn:    conn,
		write:   write,
		notify:  notify,
		mtu:     conn.MTU(),
		gate:    newFlowGate(true),
		ctx:     lctx,
		cancel:  lcancel,
		streams: make(map[*notifyStream]struct{}),
	}

	_, err = await(ctx, timeout, func() (struct{}, error) {
		return struct{}{}, notify.Subscribe(l.deliver)
	})
	if err != nil {
		lcancel()
		return nil, fmt.Errorf("ble: subscribe on %s: %w: %v", id, ErrNotificationSetupFailed, err)
	}
	return l, nil
}

// Write sends data to the write characteristic in MTU-sized chunks, in
// order. A disconnect while waiting fails the write with ErrDisconnected.
func (t *Transport) Write(ctx context.Context, data []byte, mode WriteMode) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	l := t.current()
	if l == nil {
		return fmt.Errorf("ble: write: %w", ErrNotConnected)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	for _, chunk := range protocol.ChunkBytes(data, protocol.WritePayload(l.mtu)) {
		if err := t.writeChunk(opCtx, l, chunk, mode); err != nil {
			if l.ctx.Err() != nil {
				return fmt.Errorf("ble: write to %s: %w", l.id, ErrDisconnected)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("ble: write to %s: %w", l.id, ctx.Err())
			}
			return err
		}
	}
	return nil
}

func (t *Transport) writeChunk(ctx context.Context, l *link, chunk []byte, mode WriteMode) error {
	timeout := t.opts.WriteTimeout
	if mode == WithoutResponse {
		if err := l.gate.wait(ctx, timeout); err != nil {
			return fmt.Errorf("ble: write to %s: %w", l.id, err)
		}
		if err := l.write.WriteWithoutResponse(chunk); err != nil {
			return fmt.Errorf("ble: write to %s: %w: %v", l.id, ErrWriteFailed, err)
		}
		return nil
	}

	_, err := await(ctx, timeout, func() (struct{}, error) {
		return struct{}{}, l.write.Write(chunk)
	})
	if errors.Is(err, errOpTimeout) {
		return fmt.Errorf("ble: write to %s: %w: no acknowledgement after %s", l.id, ErrWriteFailed, timeout)
	}
	if err != nil {
		return fmt.Errorf("ble: write to %s: %w: %v", l.id, ErrWriteFailed, err)
	}
	return nil
}

// Notifications returns a new stream of inbound packets from the notify
// characteristic. It is closed when ctx ends or the link goes down; call
// again after reconnecting.
func (t *Transport) Notifications(ctx context.Context) (<-chan []byte, error) {
	l := t.current()
	if l == nil {
		return nil, fmt.Errorf("ble: notifications: %w", ErrNotConnected)
	}
	s, ok := l.addStream()
	if !ok {
		return nil, fmt.Errorf("ble: notifications: %w", ErrDisconnected)
	}
	go func() {
		select {
		case <-ctx.Done():
			l.removeStream(s)
		case <-s.done:
		}
	}()
	return s.out, nil
}

// Disconnect closes the link on request. The disconnect handler is not
// called. It does not wait for in-flight operations; they fail with
// ErrDisconnected.
func (t *Transport) Disconnect() error {
	l := t.detach()
	if l == nil {
		return nil
	}
	l.teardown()
	t.log.Info("disconnecting", zap.String("device", l.id))
	if err := l.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.id, err)
	}
	return nil
}

// Connected reports whether a link is up.
func (t *Transport) Connected() bool {
	return t.current() != nil
}

// Current returns the live link, if any.
func (t *Transport) Current() (Handle, bool) {
	l := t.current()
	if l == nil {
		return Handle{}, false
	}
	return l.handle(), true
}

func (t *Transport) current() *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}

func (t *Transport) detach() *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.link
	t.link = nil
	return l
}

// linkLost handles a disconnect the host reported for l.
func (t *Transport) linkLost(l *link) {
	t.mu.Lock()
	if t.link != l {
		// Already closed on request or replaced.
		t.mu.Unlock()
		return
	}
	t.link = nil
	handler := t.onDisconnect
	t.mu.Unlock()

	t.log.Warn("printer dropped the link", zap.String("device", l.id))
	if handler != nil {
		handler(l.id)
	}
	l.teardown()
}

func (l *link) handle() Handle {
	return Handle{DeviceID: l.id, DeviceName: l.name, MTU: l.mtu}
}

func (l *link) deliver(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.streams {
		s.push(data)
	}
}

func (l *link) addStream() (*notifyStream, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	s := newNotifyStream()
	l.streams[s] = struct{}{}
	return s, true
}

func (l *link) removeStream(s *notifyStream) {
	l.mu.Lock()
	delete(l.streams, s)
	l.mu.Unlock()
	s.close()
}

// teardown fails pending waits and finishes every stream.
func (l *link) teardown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	streams := l.streams
	l.streams = nil
	l.mu.Unlock()

	l.cancel()
	l.gate.close()
	for s := range streams {
		s.close()
	}
}
