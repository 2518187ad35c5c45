//go:build linux

package ble

import "testing"

func TestTinyGoTrackIgnoresAddressCase(t *testing.T) {
	a := NewTinyGoAdapter()
	conn := &tinyGoConnection{}

	// The caller's id comes from config or the store; the connect
	// handler reports the address as BlueZ prints it.
	a.track("aa:bb:cc:dd:ee:ff", conn)

	got, ok := a.untrack("AA:BB:CC:DD:EE:FF")
	if !ok || got != conn {
		t.Fatalf("untrack() = %v, %v; want the tracked connection", got, ok)
	}
	if _, ok := a.untrack("AA:BB:CC:DD:EE:FF"); ok {
		t.Error("untrack() found the connection twice")
	}
}
