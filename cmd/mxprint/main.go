// Command mxprint prints images on Cat/MX Bluetooth thermal printers.
//
// Usage:
//
//	mxprint [flags] scan
//	mxprint [flags] print <image>
//	mxprint [flags] feed <lines>
//	mxprint [flags] status
//	mxprint [flags] settings [-quality light|normal|dark] [-energy N]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/chaz8081/mxprint/internal/bitmap"
	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/config"
	"github.com/chaz8081/mxprint/internal/connection"
	"github.com/chaz8081/mxprint/internal/logging"
	"github.com/chaz8081/mxprint/internal/printer"
	"github.com/chaz8081/mxprint/internal/reconnect"
	"github.com/chaz8081/mxprint/internal/session"
	"github.com/chaz8081/mxprint/internal/store"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/mxprint/config.yaml)")
	device := flag.String("device", "", "printer address to use instead of the saved one")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	adapter, err := newAdapter(cfg.Backend)
	if err != nil {
		log.Fatalf("Failed to open Bluetooth adapter: %v", err)
	}

	transport := ble.NewTransport(adapter, ble.Options{
		NamePrefixes:     cfg.Scan.NamePrefixes,
		ServiceUUID:      cfg.GATT.Service,
		WriteCharUUID:    cfg.GATT.WriteCharacteristic,
		NotifyCharUUID:   cfg.GATT.NotifyCharacteristic,
		DiscoveryTimeout: cfg.Connect.DiscoveryTimeout,
		WriteTimeout:     cfg.Write.Timeout,
		Logger:           logger,
	})
	sess := session.New(transport, store.NewFileStore(cfg.StorePath), session.Options{
		RadioTimeout:   cfg.Radio.Timeout,
		ScanTimeout:    cfg.Scan.Timeout,
		ConnectTimeout: cfg.Connect.Timeout,
		Printer: printer.CatOptions{
			FeedLines:     cfg.Print.FeedLines,
			ProgressSteps: cfg.Print.ProgressSteps,
			StatusTimeout: cfg.Print.StatusTimeout,
			Speed:         cfg.Print.Speed,
		},
		Reconnect: reconnect.Options{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Delay:       cfg.Reconnect.Delay,
		},
		Logger: logger,
	})

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{sess: sess, log: logger, device: *device}
	err = c.run(ctx, flag.Arg(0), flag.Args()[1:])
	if cerr := sess.Close(); cerr != nil {
		logger.Warn("disconnect failed", zap.Error(cerr))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mxprint: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mxprint [flags] scan | print <image> | feed <lines> | status | settings")
	flag.PrintDefaults()
}

// newAdapter opens the host Bluetooth backend named in the config.
func newAdapter(backend string) (ble.Adapter, error) {
	if backend == "hci" {
		a, err := ble.NewHCIAdapter()
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return ble.NewTinyGoAdapter(), nil
}

// loadConfig loads the config from the specified path, or from the default
// path, writing a commented default file there on first run.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	written, err := config.WriteDefault()
	if err != nil {
		log.Printf("Could not write default config: %v", err)
		return config.Default(), nil
	}
	if written != "" {
		log.Printf("Wrote default config to %s", written)
	}

	defaultPath := config.DefaultConfigPath()
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}

type cli struct {
	sess   *session.Session
	log    *zap.Logger
	device string
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "scan":
		return c.scan(ctx)
	case "print":
		return c.print(ctx, args)
	case "feed":
		return c.feed(ctx, args)
	case "status":
		return c.status(ctx)
	case "settings":
		return c.settings(ctx, args)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *cli) scan(ctx context.Context) error {
	fmt.Println("Scanning for printers...")
	updates, err := c.sess.ScanStream(ctx)
	if err != nil {
		return err
	}
	var devices []ble.Device
	seen := make(map[string]bool)
	for devices = range updates {
		for _, d := range unseen(seen, devices) {
			fmt.Printf("  found %s\n", d.Name)
		}
	}
	if len(devices) == 0 {
		return printer.ErrDeviceNotFound
	}

	fmt.Println()
	for _, d := range devices {
		fmt.Printf("%-20s %-18s %4d dBm\n", d.Name, d.ID, d.RSSI)
	}
	return nil
}

// unseen returns the devices not yet in seen and marks them seen. Scan
// updates are sorted by signal strength, so a new device can land anywhere.
func unseen(seen map[string]bool, devices []ble.Device) []ble.Device {
	var fresh []ble.Device
	for _, d := range devices {
		if !seen[d.ID] {
			seen[d.ID] = true
			fresh = append(fresh, d)
		}
	}
	return fresh
}

// connect uses -device, then the saved printer, then the strongest
// printer in range.
func (c *cli) connect(ctx context.Context) error {
	if c.device != "" {
		return c.sess.Connect(ctx, ble.Device{ID: c.device})
	}

	err := c.sess.ConnectLast(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrNoLastDevice) {
		c.log.Warn("saved printer unavailable, scanning", zap.Error(err))
		if _, failed := c.sess.Machine().Current().(connection.Error); failed {
			if err := c.sess.Reset(); err != nil {
				return err
			}
		}
	}

	devices, err := c.sess.Scan(ctx)
	if err != nil {
		return err
	}
	return c.sess.Connect(ctx, devices[0])
}

func (c *cli) print(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("print", flag.ContinueOnError)
	threshold := fs.Uint("threshold", 128, "luminance below which a pixel prints black (0-255)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("print: expected one image path")
	}
	if *threshold > 255 {
		return fmt.Errorf("print: threshold must be 0-255")
	}

	bmp, err := bitmap.Load(fs.Arg(0), uint8(*threshold))
	if err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		return err
	}

	last := -1
	err = c.sess.Print(ctx, bmp, func(p float64) {
		pct := int(p * 100)
		if pct != last {
			fmt.Printf("\rPrinting... %3d%%", pct)
			last = pct
		}
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Printed %d rows\n", bmp.Height())
	return nil
}

func (c *cli) feed(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("feed: expected a line count")
	}
	lines, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	return c.sess.FeedPaper(ctx, uint16(lines))
}

func (c *cli) status(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		fmt.Println(c.sess.Status())
		return err
	}
	fmt.Println(c.sess.Status())

	st, err := c.sess.QueryStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Printer: %s\n", st)
	return nil
}

func (c *cli) settings(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	quality := fs.String("quality", "", "print density: light, normal or dark")
	energy := fs.Int("energy", -1, "heating energy (0-255)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *quality == "" && *energy < 0 {
		return fmt.Errorf("settings: nothing to change")
	}
	if *energy > 255 {
		return fmt.Errorf("settings: energy must be 0-255")
	}

	if err := c.connect(ctx); err != nil {
		return err
	}
	if *quality != "" {
		q, err := protocol.ParseQuality(strings.ToLower(*quality))
		if err != nil {
			return err
		}
		if err := c.sess.SetQuality(ctx, q); err != nil {
			return err
		}
	}
	if *energy >= 0 {
		if err := c.sess.SetEnergy(ctx, byte(*energy)); err != nil {
			return err
		}
		if err := c.sess.ApplyEnergy(ctx); err != nil {
			return err
		}
	}
	fmt.Println("Settings saved")
	return nil
}
