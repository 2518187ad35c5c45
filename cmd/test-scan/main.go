// Command test-scan is a manual test for printer discovery.
// It scans with the bare transport and lists every matching printer,
// optionally connecting to the strongest one and asking for its status.
//
// Usage:
//
//	go run ./cmd/test-scan [--backend tinygo|hci] [--timeout 10s] [--connect]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
)

func main() {
	backend := flag.String("backend", "tinygo", "bluetooth backend: tinygo or hci")
	timeout := flag.Duration("timeout", 10*time.Second, "scan duration")
	connect := flag.Bool("connect", false, "connect to the strongest printer and query its status")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	var adapter ble.Adapter
	if *backend == "hci" {
		a, err := ble.NewHCIAdapter()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		adapter = a
	} else {
		adapter = ble.NewTinyGoAdapter()
	}

	t := ble.NewTransport(adapter, ble.Options{Logger: logger})
	ctx := context.Background()

	if err := t.WaitForRadioReady(ctx, 5*time.Second); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Scanning for %s...\n", *timeout)
	devices, err := t.Scan(ctx, *timeout)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	for _, d := range devices {
		fmt.Printf("  %-20s %-18s %4d dBm\n", d.Name, d.ID, d.RSSI)
	}
	if !*connect {
		return
	}

	d := devices[0]
	fmt.Printf("\nConnecting to %s...\n", d.Name)
	h, err := t.Connect(ctx, d.ID, 10*time.Second)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer t.Disconnect()
	fmt.Printf("Connected, MTU %d\n", h.MTU)

	notes, err := t.Notifications(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if err := t.Write(ctx, protocol.GetStatus(), ble.WithoutResponse); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	select {
	case pkt := <-notes:
		status, err := protocol.ParseStatusResponse(pkt)
		if err != nil {
			fmt.Printf("Unexpected reply % x: %v\n", pkt, err)
			return
		}
		fmt.Printf("Status byte 0x%02x\n", status)
		if err := protocol.ErrorFromStatus(status); err != nil {
			fmt.Printf("Printer reports: %v\n", err)
		}
	case <-time.After(5 * time.Second):
		fmt.Println("No status reply")
	}

	fmt.Println("\nDone!")
}
