package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/mxprint/internal/ble/protocol"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (CoreBluetooth on macOS, BlueZ
// on Linux, WinRT on Windows).
// On macOS, device ids are CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	radio   radioSlot

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by addressKey
}

// NewTinyGoAdapter creates an adapter on the system default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		a.radio.update(RadioPoweredOff)
		return err
	}

	// tinygo/bluetooth fires this with connected=false when a peripheral
	// goes away, including links we closed ourselves.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		if conn, ok := a.untrack(device.Address.String()); ok {
			conn.disconnectCb.fire()
		}
	})

	// The library exposes no power state events; a successful enable is
	// the only report it gives.
	a.radio.update(RadioPoweredOn)
	return nil
}

func (a *TinyGoAdapter) RadioState() RadioState { return a.radio.get() }

func (a *TinyGoAdapter) OnRadioStateChange(cb func(RadioState)) { a.radio.setCallback(cb) }

func (a *TinyGoAdapter) Scan(ctx context.Context, found func(Advertisement)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Advertisement{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// addressKey is id in the form the library prints device addresses, which
// is how the connect handler finds a link again. BlueZ prints MACs in upper
// case whatever case the caller used.
func addressKey(id string) string {
	var addr bluetooth.Address
	addr.Set(id)
	return addr.String()
}

func (a *TinyGoAdapter) track(id string, conn *tinyGoConnection) {
	a.mu.Lock()
	a.connections[addressKey(id)] = conn
	a.mu.Unlock()
}

func (a *TinyGoAdapter) untrack(id string) (*tinyGoConnection, bool) {
	key := addressKey(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.connections[key]
	delete(a.connections, key)
	return conn, ok
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// Connect blocks with its own internal timeout and cannot be
	// interrupted, so it runs aside and a late link is closed.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, r.err)
		}
		conn := &tinyGoConnection{device: r.device, mtu: protocol.DefaultMTU}

		a.track(id, conn)

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device       bluetooth.Device
	disconnectCb callbackSlot
	writeReadyCb callbackSlot

	mu  sync.Mutex
	mtu int
}

func (c *tinyGoConnection) DiscoverServices(uuids []string) ([]Service, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices(filter)
	if err != nil {
		return nil, err
	}
	out := make([]Service, len(svcs))
	for i := range svcs {
		out[i] = &tinyGoService{conn: c, svc: svcs[i]}
	}
	return out, nil
}

func (c *tinyGoConnection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) { c.disconnectCb.set(cb) }

func (c *tinyGoConnection) OnWriteReady(cb func()) { c.writeReadyCb.set(cb) }

type tinyGoService struct {
	conn *tinyGoConnection
	svc  bluetooth.DeviceService
}

func (s *tinyGoService) UUID() string { return s.svc.UUID().String() }

func (s *tinyGoService) DiscoverCharacteristics(uuids []string) ([]Characteristic, error) {
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	chars, err := s.svc.DiscoverCharacteristics(filter)
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, len(chars))
	for i := range chars {
		out[i] = &tinyGoCharacteristic{conn: s.conn, char: chars[i]}
		if mtu, err := chars[i].GetMTU(); err == nil && int(mtu) > protocol.DefaultMTU {
			s.conn.mu.Lock()
			s.conn.mtu = int(mtu)
			s.conn.mu.Unlock()
		}
	}
	return out, nil
}

type tinyGoCharacteristic struct {
	conn *tinyGoConnection
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

// WriteWithoutResponse returns once the host accepted the packet, so the
// buffer has room again as soon as it returns.
func (c *tinyGoCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	if err == nil {
		c.conn.writeReadyCb.fire()
	}
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := bluetooth.ParseUUID(expandUUID(s))
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}
