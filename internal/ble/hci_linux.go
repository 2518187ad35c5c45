//go:build linux

package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"

	"github.com/chaz8081/mxprint/internal/ble/protocol"
)

// hciMTU is the ATT MTU requested after dialing.
const hciMTU = 247

// HCIAdapter drives a raw HCI socket through go-ble, bypassing BlueZ.
// It needs CAP_NET_ADMIN and a controller not claimed by bluetoothd.
type HCIAdapter struct {
	mu     sync.Mutex
	device *linux.Device
	radio  radioSlot
}

// NewHCIAdapter returns an adapter that opens the HCI device on Enable.
func NewHCIAdapter() (*HCIAdapter, error) {
	return &HCIAdapter{}, nil
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil {
		return nil
	}
	d, err := linux.NewDevice()
	if err != nil {
		a.radio.update(RadioUnsupported)
		return fmt.Errorf("ble: open hci device: %w", err)
	}
	a.device = d
	a.radio.update(RadioPoweredOn)
	return nil
}

func (a *HCIAdapter) dev() (*linux.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil, fmt.Errorf("ble: hci device not enabled")
	}
	return a.device, nil
}

func (a *HCIAdapter) RadioState() RadioState { return a.radio.get() }

func (a *HCIAdapter) OnRadioStateChange(cb func(RadioState)) { a.radio.setCallback(cb) }

func (a *HCIAdapter) Scan(ctx context.Context, found func(Advertisement)) error {
	d, err := a.dev()
	if err != nil {
		return err
	}
	err = d.Scan(ctx, true, func(adv ble.Advertisement) {
		found(Advertisement{
			ID:   adv.Addr().String(),
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	d, err := a.dev()
	if err != nil {
		return nil, err
	}
	client, err := d.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return nil, fmt.Errorf("ble: dial %s: %w", id, err)
	}

	mtu := protocol.DefaultMTU
	if tx, err := client.ExchangeMTU(hciMTU); err == nil && tx > mtu {
		mtu = tx
	}

	conn := &hciConnection{client: client, mtu: mtu, done: make(chan struct{})}
	go conn.watch()
	return conn, nil
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client       ble.Client
	mtu          int
	disconnectCb callbackSlot
	writeReadyCb callbackSlot

	once sync.Once
	done chan struct{}
}

// watch reports the link going away, whoever closed it.
func (c *hciConnection) watch() {
	select {
	case <-c.client.Disconnected():
		c.disconnectCb.fire()
	case <-c.done:
	}
}

func (c *hciConnection) DiscoverServices(uuids []string) ([]Service, error) {
	filter, err := parseBLEUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	svcs, err := c.client.DiscoverServices(filter)
	if err != nil {
		return nil, err
	}
	out := make([]Service, len(svcs))
	for i, s := range svcs {
		out[i] = &hciService{conn: c, svc: s}
	}
	return out, nil
}

func (c *hciConnection) MTU() int { return c.mtu }

func (c *hciConnection) Disconnect() error {
	c.once.Do(func() { close(c.done) })
	return c.client.CancelConnection()
}

func (c *hciConnection) OnDisconnect(cb func()) { c.disconnectCb.set(cb) }

func (c *hciConnection) OnWriteReady(cb func()) { c.writeReadyCb.set(cb) }

type hciService struct {
	conn *hciConnection
	svc  *ble.Service
}

func (s *hciService) UUID() string { return s.svc.UUID.String() }

func (s *hciService) DiscoverCharacteristics(uuids []string) ([]Characteristic, error) {
	filter, err := parseBLEUUIDs(uuids)
	if err != nil {
		return nil, err
	}
	chars, err := s.conn.client.DiscoverCharacteristics(filter, s.svc)
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, len(chars))
	for i, ch := range chars {
		out[i] = &hciCharacteristic{conn: s.conn, char: ch}
	}
	return out, nil
}

type hciCharacteristic struct {
	conn *hciConnection
	char *ble.Characteristic
}

func (c *hciCharacteristic) UUID() string { return c.char.UUID.String() }

func (c *hciCharacteristic) Write(data []byte) error {
	return c.conn.client.WriteCharacteristic(c.char, data, false)
}

// WriteWithoutResponse blocks in go-ble until the controller takes the
// packet, so buffer space is back once it returns.
func (c *hciCharacteristic) WriteWithoutResponse(data []byte) error {
	err := c.conn.client.WriteCharacteristic(c.char, data, true)
	if err == nil {
		c.conn.writeReadyCb.fire()
	}
	return err
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	// Subscribe writes the CCCD, which has to be discovered first.
	if _, err := c.conn.client.DiscoverDescriptors(nil, c.char); err != nil {
		return fmt.Errorf("ble: discover descriptors: %w", err)
	}
	return c.conn.client.Subscribe(c.char, false, func(data []byte) {
		cb(data)
	})
}

func parseBLEUUIDs(uuids []string) ([]ble.UUID, error) {
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}
