// Package printer drives thermal printers over a connected transport link.
package printer

import (
	"context"
	"fmt"
	"strings"

	"github.com/chaz8081/mxprint/internal/bitmap"
	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/connection"
)

// ThermalPrinter is implemented once per printer command family.
type ThermalPrinter interface {
	// Print streams bmp row by row and feeds the paper out. onProgress, if
	// not nil, receives non-decreasing values in (0, 1], ending at 1.
	Print(ctx context.Context, bmp *bitmap.MonoBitmap, onProgress func(float64)) error
	// ApplySettings sends quality, then energy, then the energy commit.
	ApplySettings(ctx context.Context, s Settings) error
	SetQuality(ctx context.Context, q protocol.Quality) error
	SetEnergy(ctx context.Context, energy byte) error
	ApplyEnergy(ctx context.Context) error
	SetSpeed(ctx context.Context, speed byte) error
	FeedPaper(ctx context.Context, lines uint16) error
	Retract(ctx context.Context, lines uint16) error
	QueryStatus(ctx context.Context) (Status, error)
	// Attach starts reading printer notifications for the current link.
	// It must be called again after every reconnect.
	Attach(ctx context.Context) error
}

// Link is the part of the BLE transport a printer writes through.
type Link interface {
	Write(ctx context.Context, data []byte, mode ble.WriteMode) error
	Notifications(ctx context.Context) (<-chan []byte, error)
}

// StateMachine is the connection state a printer gates its jobs on.
type StateMachine interface {
	Current() connection.State
	Fire(ev connection.Event) (prev, next connection.State, err error)
}

// Settings are the persisted print darkness settings.
type Settings struct {
	Quality protocol.Quality
	Energy  byte
}

// DefaultSettings returns normal quality at a medium energy.
func DefaultSettings() Settings {
	return Settings{Quality: protocol.QualityNormal, Energy: 0x60}
}

// Validate reports an unknown quality.
func (s Settings) Validate() error {
	if !s.Quality.Valid() {
		return fmt.Errorf("printer: invalid quality 0x%02x", byte(s.Quality))
	}
	return nil
}

// Status is a getStatus byte.
type Status byte

func (s Status) OutOfPaper() bool { return byte(s)&protocol.StatusOutOfPaper != 0 }
func (s Status) CoverOpen() bool  { return byte(s)&protocol.StatusCoverOpen != 0 }
func (s Status) Overheated() bool { return byte(s)&protocol.StatusOverheated != 0 }
func (s Status) LowBattery() bool { return byte(s)&protocol.StatusLowBattery != 0 }

// Err returns the fault that blocks printing, or nil.
func (s Status) Err() error {
	if err := protocol.ErrorFromStatus(byte(s)); err != nil {
		return FromTransport(err)
	}
	return nil
}

func (s Status) String() string {
	var flags []string
	if s.OutOfPaper() {
		flags = append(flags, "out of paper")
	}
	if s.CoverOpen() {
		flags = append(flags, "cover open")
	}
	if s.Overheated() {
		flags = append(flags, "overheated")
	}
	if s.LowBattery() {
		flags = append(flags, "battery low")
	}
	if len(flags) == 0 {
		return "ok"
	}
	return strings.Join(flags, ", ")
}
