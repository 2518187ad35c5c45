package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.DiscoveryTimeout = 200 * time.Millisecond
	opts.WriteTimeout = 200 * time.Millisecond
	return opts
}

func connectedTransport(t *testing.T) (*Transport, *mockAdapter, *mockConnection) {
	t.Helper()
	adapter := newMockAdapter(nil)
	tr := NewTransport(adapter, testOptions())
	if _, err := tr.Connect(context.Background(), "AA:BB", time.Second); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return tr, adapter, adapter.latestConnection()
}

func TestScanFiltersSortsAndDedupes(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{
		{ID: "1", Name: "MX10", RSSI: -70},
		{ID: "2", Name: "Speaker", RSSI: -30},
		{ID: "3", Name: "GB02", RSSI: -40},
		{ID: "1", Name: "MX10", RSSI: -50},
		{ID: "4", Name: "Cat-A", RSSI: -90},
	})
	tr := NewTransport(adapter, testOptions())

	got, err := tr.Scan(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	want := []string{"3", "1", "4"}
	if len(got) != len(want) {
		t.Fatalf("Scan() returned %d devices, want %d: %v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("device[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
	if got[1].RSSI != -50 {
		t.Errorf("duplicate kept RSSI %d, want latest -50", got[1].RSSI)
	}
}

func TestScanNothingFound(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{{ID: "9", Name: "Headphones", RSSI: -20}})
	tr := NewTransport(adapter, testOptions())

	devices, err := tr.Scan(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrScanTimeout) {
		t.Errorf("Scan() error = %v, want ErrScanTimeout", err)
	}
	if len(devices) != 0 {
		t.Errorf("Scan() returned %v, want none", devices)
	}
}

func TestScanRadioOff(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.state = RadioPoweredOff
	tr := NewTransport(adapter, testOptions())
	if _, err := tr.Scan(context.Background(), time.Second); !errors.Is(err, ErrRadioPoweredOff) {
		t.Errorf("Scan() error = %v, want ErrRadioPoweredOff", err)
	}
}

func TestScanStream(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{
		{ID: "1", Name: "MX10", RSSI: -70},
		{ID: "2", Name: "MX11", RSSI: -20},
	})
	tr := NewTransport(adapter, testOptions())

	ch, err := tr.ScanStream(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanStream() error = %v", err)
	}
	var last []Device
	for snapshot := range ch {
		last = snapshot
	}
	if len(last) != 2 || last[0].ID != "2" {
		t.Errorf("final snapshot = %v, want [2 1]", last)
	}
}

func TestWaitForRadioReady(t *testing.T) {
	tests := []struct {
		name    string
		initial RadioState
		later   RadioState
		wantErr error
	}{
		{"already on", RadioPoweredOn, RadioUnknown, nil},
		{"turns on", RadioUnknown, RadioPoweredOn, nil},
		{"unauthorized", RadioUnauthorized, RadioUnknown, ErrRadioUnauthorized},
		{"unsupported", RadioUnsupported, RadioUnknown, ErrRadioUnsupported},
		{"stays off", RadioPoweredOff, RadioUnknown, ErrRadioPoweredOff},
		{"never reports", RadioUnknown, RadioUnknown, ErrRadioTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			adapter.state = tt.initial
			tr := NewTransport(adapter, testOptions())
			if tt.later != RadioUnknown {
				go func() {
					time.Sleep(10 * time.Millisecond)
					adapter.setRadio(tt.later)
				}()
			}
			err := tr.WaitForRadioReady(context.Background(), 100*time.Millisecond)
			if tt.wantErr == nil && err != nil {
				t.Errorf("WaitForRadioReady() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForRadioReady() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnect(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{{ID: "AA:BB", Name: "MX10", RSSI: -40}})
	tr := NewTransport(adapter, testOptions())
	if _, err := tr.Scan(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	h, err := tr.Connect(context.Background(), "AA:BB", time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if h.DeviceID != "AA:BB" || h.DeviceName != "MX10" || h.MTU != 23 {
		t.Errorf("Connect() = %+v", h)
	}
	if !tr.Connected() {
		t.Error("Connected() = false after Connect")
	}
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(a *mockAdapter)
		wantErr error
	}{
		{"link refused", func(a *mockAdapter) { a.connectErr = errMock }, ErrConnectFailed},
		{"link timeout", func(a *mockAdapter) { a.hang = true }, ErrConnectTimeout},
		{"service discovery", func(a *mockAdapter) {
			a.newConn = func() *mockConnection {
				c := newMockConnection()
				c.serviceErr = errMock
				return c
			}
		}, ErrServiceDiscoveryFailed},
		{"service missing", func(a *mockAdapter) {
			a.newConn = func() *mockConnection {
				c := newMockConnection()
				c.services = nil
				return c
			}
		}, ErrServiceNotFound},
		{"characteristic discovery", func(a *mockAdapter) {
			a.newConn = func() *mockConnection {
				c := newMockConnection()
				c.services = []Service{&mockService{uuid: ServiceUUID, err: errMock}}
				return c
			}
		}, ErrCharacteristicDiscoveryFailed},
		{"characteristic missing", func(a *mockAdapter) {
			a.newConn = func() *mockConnection {
				c := newMockConnection()
				c.services = []Service{&mockService{uuid: ServiceUUID, chars: []Characteristic{c.writeChar}}}
				return c
			}
		}, ErrCharacteristicNotFound},
		{"subscribe", func(a *mockAdapter) {
			a.newConn = func() *mockConnection {
				c := newMockConnection()
				c.notifyChar.subscribeErr = errMock
				return c
			}
		}, ErrNotificationSetupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			tt.setup(adapter)
			tr := NewTransport(adapter, testOptions())

			_, err := tr.Connect(context.Background(), "AA:BB", 30*time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect() error = %v, want %v", err, tt.wantErr)
			}
			if tr.Connected() {
				t.Error("Connected() = true after failed Connect")
			}
			if c := adapter.latestConnection(); c != nil && !c.Disconnected() {
				t.Error("link left open after discovery failure")
			}
		})
	}
}

func TestConnectCancelled(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.hang = true
	tr := NewTransport(adapter, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := tr.Connect(ctx, "AA:BB", time.Second); !errors.Is(err, ErrConnectCancelled) {
		t.Errorf("Connect() error = %v, want ErrConnectCancelled", err)
	}
}

func TestWriteChunksInOrder(t *testing.T) {
	tr, _, conn := connectedTransport(t)

	data := make([]byte, 56)
	for i := range data {
		data[i] = byte(i)
	}
	if err := tr.Write(context.Background(), data, WithoutResponse); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	writes := conn.writeChar.Writes()
	if len(writes) != 3 {
		t.Fatalf("got %d chunks, want 3 at MTU 23", len(writes))
	}
	if got := bytes.Join(writes, nil); !bytes.Equal(got, data) {
		t.Errorf("chunks reassemble to %v, want %v", got, data)
	}
}

func TestWriteWithResponse(t *testing.T) {
	tr, _, conn := connectedTransport(t)

	if err := tr.Write(context.Background(), []byte{1, 2, 3}, WithResponse); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n := len(conn.writeChar.Writes()); n != 1 {
		t.Errorf("got %d writes, want 1", n)
	}

	conn.writeChar.mu.Lock()
	conn.writeChar.writeErr = errMock
	conn.writeChar.mu.Unlock()
	if err := tr.Write(context.Background(), []byte{1}, WithResponse); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Write() error = %v, want ErrWriteFailed", err)
	}
}

func TestWriteNoAcknowledgement(t *testing.T) {
	tr, _, conn := connectedTransport(t)
	release := make(chan struct{})
	defer close(release)
	conn.writeChar.mu.Lock()
	conn.writeChar.blockWrites = release
	conn.writeChar.mu.Unlock()

	if err := tr.Write(context.Background(), []byte{1}, WithResponse); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Write() error = %v, want ErrWriteFailed", err)
	}
}

func TestWriteWaitsForBufferSpace(t *testing.T) {
	tr, _, conn := connectedTransport(t)
	conn.autoReady = false

	// The first write uses the initial credit, the second must wait.
	if err := tr.Write(context.Background(), []byte{1}, WithoutResponse); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- tr.Write(context.Background(), []byte{2}, WithoutResponse) }()

	select {
	case <-done:
		t.Fatal("second write did not wait for buffer space")
	case <-time.After(30 * time.Millisecond):
	}
	conn.SignalWriteReady()
	if err := <-done; err != nil {
		t.Fatalf("second Write() error = %v", err)
	}
}

func TestWriteReadySignalRacesAhead(t *testing.T) {
	tr, _, conn := connectedTransport(t)
	conn.autoReady = false

	if err := tr.Write(context.Background(), []byte{1}, WithoutResponse); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	conn.SignalWriteReady() // arrives before the next write waits
	if err := tr.Write(context.Background(), []byte{2}, WithoutResponse); err != nil {
		t.Fatalf("Write() stalled on an early signal: %v", err)
	}
}

func TestWriteNotConnected(t *testing.T) {
	tr := NewTransport(newMockAdapter(nil), testOptions())
	if err := tr.Write(context.Background(), []byte{1}, WithoutResponse); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectWakesBlockedWriter(t *testing.T) {
	tr, _, conn := connectedTransport(t)
	conn.autoReady = false
	tr.opts.WriteTimeout = 5 * time.Second

	tr.Write(context.Background(), []byte{1}, WithoutResponse)
	done := make(chan error, 1)
	go func() { done <- tr.Write(context.Background(), []byte{2}, WithoutResponse) }()

	time.Sleep(20 * time.Millisecond)
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Write() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after Disconnect")
	}
	if !conn.Disconnected() {
		t.Error("host link not closed")
	}
}

func TestNotifications(t *testing.T) {
	tr, _, conn := connectedTransport(t)

	ch, err := tr.Notifications(context.Background())
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	conn.notifyChar.SimulateNotification([]byte{0x51, 0x78})
	select {
	case got := <-ch:
		if !bytes.Equal(got, []byte{0x51, 0x78}) {
			t.Errorf("notification = %x", got)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	conn.SimulateDisconnect()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("stream still open after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not finished on disconnect")
	}

	if _, err := tr.Notifications(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Notifications() after disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestNotificationsStopWithContext(t *testing.T) {
	tr, _, _ := connectedTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := tr.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected packet")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not finished on cancel")
	}
}

func TestDisconnectDuringDiscoveryFailsConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.newConn = func() *mockConnection {
		c := newMockConnection()
		c.services[0].(*mockService).onDiscover = c.SimulateDisconnect
		return c
	}
	tr := NewTransport(adapter, testOptions())
	called := false
	tr.SetDisconnectHandler(func(string) { called = true })

	_, err := tr.Connect(context.Background(), "AA:BB", time.Second)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if tr.Connected() {
		t.Error("Connected() = true after the link dropped during setup")
	}
	if !adapter.latestConnection().Disconnected() {
		t.Error("half-open link was not closed")
	}
	if called {
		t.Error("disconnect handler ran for a link that never connected")
	}

	// A drop reported after a failed setup is ignored.
	adapter.latestConnection().SimulateDisconnect()
	if called {
		t.Error("disconnect handler ran for a late report")
	}
}

func TestPassiveDisconnectCallsHandler(t *testing.T) {
	tr, _, conn := connectedTransport(t)

	var mu sync.Mutex
	var got []string
	tr.SetDisconnectHandler(func(id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})

	conn.SimulateDisconnect()
	conn.SimulateDisconnect() // repeated host report is ignored

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "AA:BB" {
		t.Errorf("handler calls = %v, want [AA:BB]", got)
	}
	if tr.Connected() {
		t.Error("Connected() = true after link loss")
	}
}

func TestIntentionalDisconnectSkipsHandler(t *testing.T) {
	tr, _, conn := connectedTransport(t)
	called := false
	tr.SetDisconnectHandler(func(string) { called = true })

	tr.Disconnect()
	conn.SimulateDisconnect() // host echoes our own disconnect

	if called {
		t.Error("disconnect handler ran for a requested disconnect")
	}
}

func TestSameUUID(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"ae30", ServiceUUID, true},
		{"AE30", "0000AE30-0000-1000-8000-00805F9B34FB", true},
		{"0000ae0100001000800000805f9b34fb", WriteCharUUID, true},
		{"ae01", NotifyCharUUID, false},
	}
	for _, tt := range tests {
		if got := sameUUID(tt.a, tt.b); got != tt.want {
			t.Errorf("sameUUID(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
