package overlay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-docscan/pkg/clock"
)

// ErrStopped is returned by Wait when the run was stopped before completing.
var ErrStopped = errors.New("overlay: stopped")

// Run is the handle for one started overlay. It owns the single pending
// timer of the overlay; Stop and Cancel are the only ways to end it early.
type Run struct {
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger
	onPhase    func(Phase)
	onComplete func()

	// emitMu serializes timer expiries so observers see phases in order.
	// It is always taken before mu.
	emitMu sync.Mutex

	mu         sync.Mutex
	idle       *sync.Cond // signalled on mu when a delivery ends
	gen        uint64
	timer      clock.Timer
	phase      Phase
	shown      bool
	stopped    bool
	completed  bool
	delivering bool
	done       chan struct{}
}

// Option configures a Run.
type Option func(*Run)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Run) { r.logger = l.With("component", "overlay") }
}

// Start validates cfg and schedules the first countdown value after
// cfg.PrimingDelay. onPhase receives every phase in order; onComplete fires
// once, cfg.SettleDelay after Complete. Neither callback runs before Start
// returns, and neither runs after Stop returns. Either may be nil.
func Start(c clock.Clock, cfg Config, onPhase func(Phase), onComplete func(), opts ...Option) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Real{}
	}
	r := &Run{
		clock:      c,
		cfg:        cfg,
		logger:     slog.Default().With("component", "overlay"),
		onPhase:    onPhase,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
	r.idle = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}

	r.mu.Lock()
	r.schedule(cfg.PrimingDelay)
	r.mu.Unlock()
	return r, nil
}

// schedule arms the run's single timer. Callers hold mu.
func (r *Run) schedule(d time.Duration) {
	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(d, func() { r.fire(gen) })
}

// fire handles one timer expiry. A timer that was already in flight when
// the run was stopped sees a stale generation or the stopped flag and does
// nothing. The flag is checked again right before a callback is entered.
func (r *Run) fire(gen uint64) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.stopped || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil

	if r.shown && r.phase.Terminal() {
		r.mu.Unlock()
		r.logger.Debug("overlay complete")

		r.mu.Lock()
		if r.stopped || gen != r.gen {
			r.mu.Unlock()
			return
		}
		r.completed = true
		close(r.done)
		r.deliver(func() {
			if r.onComplete != nil {
				r.onComplete()
			}
		})
		r.mu.Unlock()
		return
	}

	if !r.shown {
		r.shown = true
		r.phase = r.cfg.Initial()
	} else {
		next, _, _ := r.cfg.Next(r.phase)
		r.phase = next
	}
	phase := r.phase
	_, hold, ok := r.cfg.Next(phase)
	if !ok {
		hold = r.cfg.SettleDelay
	}
	r.mu.Unlock()

	r.logger.Debug("overlay phase", "phase", phase.String())

	r.mu.Lock()
	if r.stopped || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.deliver(func() {
		if r.onPhase != nil {
			r.onPhase(phase)
		}
	})
	if !r.stopped && gen == r.gen {
		r.schedule(hold)
	}
	r.mu.Unlock()
}

// deliver runs cb with mu released and marks the run as delivering meanwhile.
// Callers hold mu; it is held again when deliver returns.
func (r *Run) deliver(cb func()) {
	r.delivering = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.delivering = false
		r.idle.Broadcast()
	}()
	cb()
}

// Stop cancels the run and waits for a callback that is already running on
// another goroutine to return. Once Stop returns no callback runs. It is
// safe to call any number of times, but not from inside the run's own
// callbacks or while holding a lock those callbacks take; use Cancel there.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	for r.delivering {
		r.idle.Wait()
	}
}

// Cancel is Stop without the wait: no callback starts after it returns, but
// one already running is not waited for. It is safe to call from inside the
// run's callbacks.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

func (r *Run) cancelLocked() {
	if r.stopped {
		return
	}
	r.stopped = true
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.completed {
		close(r.done)
	}
}

// Phase returns the visible phase. ok is false until the priming delay has
// elapsed.
func (r *Run) Phase() (p Phase, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase, r.shown
}

// Completed reports whether onComplete has been delivered.
func (r *Run) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Stopped reports whether Stop or Cancel was called.
func (r *Run) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Pending returns the number of outstanding timers: 0 or 1.
func (r *Run) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer == nil {
		return 0
	}
	return 1
}

// Done is closed when the run completes or is stopped.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run completes, is stopped, or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		if r.Completed() {
			return nil
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
