package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chaz8081/mxprint/internal/bitmap"
	"github.com/chaz8081/mxprint/internal/ble"
	"github.com/chaz8081/mxprint/internal/ble/protocol"
	"github.com/chaz8081/mxprint/internal/connection"
)

// Defaults for CatOptions.
const (
	DefaultFeedLines     = 80
	DefaultProgressSteps = 50
	DefaultStatusTimeout = 5 * time.Second
)

// CatOptions configures a CatPrinter.
type CatOptions struct {
	FeedLines     uint16        // paper fed after the last row
	ProgressSteps int           // at most this many progress callbacks per job
	StatusTimeout time.Duration // bound for a status reply or a flow-control pause
	Speed         byte          // sent before each job when non-zero
	Logger        *zap.Logger
}

// CatPrinter speaks the Cat/MX command set.
type CatPrinter struct {
	link Link
	sm   StateMachine
	opts CatOptions
	log  *zap.Logger

	// job is the in-flight token. Holding it is the only way to write to
	// the link, so jobs and commands never interleave.
	job sync.Mutex

	mu      sync.Mutex
	fault   error         // last fault reported by the printer
	resume  chan struct{} // non-nil while the printer asks to pause
	waiters []chan byte   // pending QueryStatus calls
}

// Compile-time check that CatPrinter implements ThermalPrinter.
var _ ThermalPrinter = (*CatPrinter)(nil)

// NewCatPrinter returns a printer writing through link and gated on sm.
func NewCatPrinter(link Link, sm StateMachine, opts CatOptions) *CatPrinter {
	if opts.FeedLines == 0 {
		opts.FeedLines = DefaultFeedLines
	}
	if opts.ProgressSteps <= 0 {
		opts.ProgressSteps = DefaultProgressSteps
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = DefaultStatusTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &CatPrinter{
		link: link,
		sm:   sm,
		opts: opts,
		log:  log.With(zap.String("component", "printer")),
	}
}

// Attach consumes the link's notification stream until it closes or ctx
// ends. Pause and fault state from a previous link is dropped.
func (p *CatPrinter) Attach(ctx context.Context) error {
	ch, err := p.link.Notifications(ctx)
	if err != nil {
		return FromTransport(err)
	}

	p.mu.Lock()
	p.fault = nil
	p.releasePauseLocked()
	p.mu.Unlock()

	go func() {
		for pkt := range ch {
			p.handleNotification(pkt)
		}
		p.log.Debug("notification stream closed")
		// Nothing more will arrive; a paused job must not wait it out.
		p.mu.Lock()
		p.releasePauseLocked()
		p.mu.Unlock()
	}()
	return nil
}

func (p *CatPrinter) handleNotification(pkt []byte) {
	if paused, ok := protocol.ParseFlowControl(pkt); ok {
		p.mu.Lock()
		if paused && p.resume == nil {
			p.resume = make(chan struct{})
			p.log.Debug("printer asked to pause")
		} else if !paused {
			p.releasePauseLocked()
		}
		p.mu.Unlock()
		return
	}

	status, err := protocol.ParseStatusResponse(pkt)
	if err != nil {
		p.log.Debug("ignoring notification", zap.Binary("packet", pkt), zap.Error(err))
		return
	}

	fault := protocol.ErrorFromStatus(status)
	p.mu.Lock()
	p.fault = fault
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if fault != nil {
		p.log.Warn("printer reported a fault", zap.Error(fault))
	}
	for _, w := range waiters {
		w <- status
	}
}

// releasePauseLocked ends a pause. Caller must hold p.mu.
func (p *CatPrinter) releasePauseLocked() {
	if p.resume != nil {
		close(p.resume)
		p.resume = nil
	}
}

// waitResume blocks while the printer asks to pause.
func (p *CatPrinter) waitResume(ctx context.Context) error {
	p.mu.Lock()
	resume := p.resume
	p.mu.Unlock()
	if resume == nil {
		return nil
	}

	timer := time.NewTimer(p.opts.StatusTimeout)
	defer timer.Stop()
	select {
	case <-resume:
		return nil
	case <-timer.C:
		return newError(Timeout, fmt.Errorf("printer paused for more than %s", p.opts.StatusTimeout))
	case <-ctx.Done():
		return newError(Cancelled, ctx.Err())
	}
}

func (p *CatPrinter) currentFault() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fault == nil {
		return nil
	}
	return FromTransport(p.fault)
}

// acquire takes the in-flight token for a command outside a print job.
func (p *CatPrinter) acquire() error {
	if !p.job.TryLock() {
		return ErrBusy
	}
	switch p.sm.Current().(type) {
	case connection.Ready:
		return nil
	case connection.Busy:
		p.job.Unlock()
		return ErrBusy
	}
	p.job.Unlock()
	return ErrNotConnected
}

// send writes one frame. Frames are small enough that acknowledgements
// would only slow rows down, so everything goes unacknowledged.
func (p *CatPrinter) send(ctx context.Context, frame []byte) error {
	if err := p.link.Write(ctx, frame, ble.WithoutResponse); err != nil {
		return FromTransport(err)
	}
	return nil
}

// command runs a single-frame operation under the in-flight token.
func (p *CatPrinter) command(ctx context.Context, frames ...[]byte) error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.job.Unlock()
	for _, f := range frames {
		if err := p.send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Print implements ThermalPrinter. The connection must be Ready; it is Busy
// for the duration of the job and returns to Ready on success. Any failure
// moves it to Error with the returned *Error as the reason. Cancelling ctx
// stops the job between rows.
func (p *CatPrinter) Print(ctx context.Context, bmp *bitmap.MonoBitmap, onProgress func(float64)) error {
	if !p.job.TryLock() {
		return ErrBusy
	}
	defer p.job.Unlock()

	if _, _, err := p.sm.Fire(connection.PrintStart{}); err != nil {
		if _, busy := p.sm.Current().(connection.Busy); busy {
			return ErrBusy
		}
		return newError(NotConnected, err)
	}

	rows := bmp.Height()
	p.log.Info("print started", zap.Int("rows", rows))
	start := time.Now()

	if err := p.stream(ctx, bmp, onProgress); err != nil {
		perr := FromTransport(err)
		if _, _, ferr := p.sm.Fire(connection.PrintFailed{Err: perr}); ferr != nil {
			// The link loss was already recorded by the reconnect path.
			p.log.Debug("print failure not recorded", zap.Error(ferr))
		}
		p.log.Warn("print failed", zap.Error(perr))
		return perr
	}

	if _, _, err := p.sm.Fire(connection.PrintComplete{}); err != nil {
		return newError(ConnectionLost, err)
	}
	p.log.Info("print finished", zap.Int("rows", rows), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// stream sends every row in order, then one paper feed.
func (p *CatPrinter) stream(ctx context.Context, bmp *bitmap.MonoBitmap, onProgress func(float64)) error {
	if p.opts.Speed != 0 {
		if err := p.send(ctx, protocol.SetSpeed(p.opts.Speed)); err != nil {
			return err
		}
	}

	rows := bmp.Height()
	step := rows / p.opts.ProgressSteps
	if step < 1 {
		step = 1
	}

	for y := 0; y < rows; y++ {
		if err := ctx.Err(); err != nil {
			return newError(Cancelled, err)
		}
		if err := p.currentFault(); err != nil {
			return err
		}
		if err := p.waitResume(ctx); err != nil {
			return err
		}

		frame, err := protocol.PrintLine(bmp.Row(y))
		if err != nil {
			return newError(PrintFailed, err)
		}
		if err := p.send(ctx, frame); err != nil {
			return err
		}

		if onProgress != nil && ((y+1)%step == 0 || y+1 == rows) {
			onProgress(float64(y+1) / float64(rows))
		}
	}

	if err := p.send(ctx, protocol.FeedPaper(p.opts.FeedLines)); err != nil {
		return err
	}
	if rows == 0 && onProgress != nil {
		onProgress(1)
	}
	return nil
}

// ApplySettings implements ThermalPrinter.
func (p *CatPrinter) ApplySettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return newError(PrintFailed, err)
	}
	err := p.command(ctx,
		protocol.SetQuality(s.Quality),
		protocol.SetEnergy(s.Energy),
		protocol.ApplyEnergy(),
	)
	if err == nil {
		p.log.Info("settings applied", zap.Stringer("quality", s.Quality), zap.Uint8("energy", s.Energy))
	}
	return err
}

func (p *CatPrinter) SetQuality(ctx context.Context, q protocol.Quality) error {
	if !q.Valid() {
		return newError(PrintFailed, fmt.Errorf("invalid quality 0x%02x", byte(q)))
	}
	return p.command(ctx, protocol.SetQuality(q))
}

// SetEnergy stores an energy level. It takes effect after ApplyEnergy.
func (p *CatPrinter) SetEnergy(ctx context.Context, energy byte) error {
	return p.command(ctx, protocol.SetEnergy(energy))
}

func (p *CatPrinter) ApplyEnergy(ctx context.Context) error {
	return p.command(ctx, protocol.ApplyEnergy())
}

func (p *CatPrinter) SetSpeed(ctx context.Context, speed byte) error {
	return p.command(ctx, protocol.SetSpeed(speed))
}

func (p *CatPrinter) FeedPaper(ctx context.Context, lines uint16) error {
	return p.command(ctx, protocol.FeedPaper(lines))
}

func (p *CatPrinter) Retract(ctx context.Context, lines uint16) error {
	return p.command(ctx, protocol.Retract(lines))
}

// QueryStatus sends getStatus and waits for the reply. Attach must have
// been called for the current link.
func (p *CatPrinter) QueryStatus(ctx context.Context) (Status, error) {
	if err := p.acquire(); err != nil {
		return 0, err
	}
	defer p.job.Unlock()

	reply := make(chan byte, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, reply)
	p.mu.Unlock()

	if err := p.send(ctx, protocol.GetStatus()); err != nil {
		p.dropWaiter(reply)
		return 0, err
	}

	timer := time.NewTimer(p.opts.StatusTimeout)
	defer timer.Stop()
	select {
	case s := <-reply:
		return Status(s), nil
	case <-timer.C:
		p.dropWaiter(reply)
		return 0, newError(Timeout, fmt.Errorf("no status reply after %s", p.opts.StatusTimeout))
	case <-ctx.Done():
		p.dropWaiter(reply)
		return 0, newError(Cancelled, ctx.Err())
	}
}

func (p *CatPrinter) dropWaiter(w chan byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
