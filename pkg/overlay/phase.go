// Package overlay implements the countdown → processing → complete overlay
// shown after a frame is captured.
//
// The package has two layers. Config.Initial and Config.Next form a pure
// phase machine with no timers. Start binds that machine to a clock.Clock and
// returns a *Run handle that owns every pending timer of one overlay and is
// the only way to cancel it.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind identifies an overlay phase.
type Kind int

const (
	KindCountdown Kind = iota
	KindProcessing
	KindComplete
)

func (k Kind) String() string {
	switch k {
	case KindCountdown:
		return "countdown"
	case KindProcessing:
		return "processing"
	case KindComplete:
		return "complete"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Phase is one state of the overlay. Count is meaningful only for
// KindCountdown.
type Phase struct {
	Kind  Kind
	Count int
}

// Countdown returns the countdown phase showing n.
func Countdown(n int) Phase { return Phase{Kind: KindCountdown, Count: n} }

// Processing returns the processing phase.
func Processing() Phase { return Phase{Kind: KindProcessing} }

// Complete returns the terminal phase.
func Complete() Phase { return Phase{Kind: KindComplete} }

// Terminal reports whether p is Complete.
func (p Phase) Terminal() bool { return p.Kind == KindComplete }

func (p Phase) String() string {
	if p.Kind == KindCountdown {
		return fmt.Sprintf("countdown(%d)", p.Count)
	}
	return p.Kind.String()
}

// MarshalJSON renders {"kind":"countdown","count":2}; count is omitted for
// the other phases.
func (p Phase) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind  string `json:"kind"`
		Count *int   `json:"count,omitempty"`
	}{Kind: p.Kind.String()}
	if p.Kind == KindCountdown {
		n := p.Count
		out.Count = &n
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the form written by MarshalJSON.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var in struct {
		Kind  string `json:"kind"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "countdown":
		*p = Countdown(in.Count)
	case "processing":
		*p = Processing()
	case "complete":
		*p = Complete()
	default:
		return fmt.Errorf("overlay: unknown phase kind %q", in.Kind)
	}
	return nil
}

// Config drives the phase timeline.
type Config struct {
	// CountFrom is the first countdown value shown.
	CountFrom int

	// PrimingDelay is the pause between Start and the first countdown value.
	PrimingDelay time.Duration

	// TickInterval is how long each countdown value stays on screen.
	TickInterval time.Duration

	// ProcessingDuration is how long Processing lasts before Complete.
	ProcessingDuration time.Duration

	// SettleDelay is the pause after Complete before onComplete fires.
	SettleDelay time.Duration
}

// DefaultConfig returns countFrom 3, 100ms priming, 900ms ticks, 2s
// processing and an 800ms settle delay.
func DefaultConfig() Config {
	return Config{
		CountFrom:          3,
		PrimingDelay:       100 * time.Millisecond,
		TickInterval:       900 * time.Millisecond,
		ProcessingDuration: 2000 * time.Millisecond,
		SettleDelay:        800 * time.Millisecond,
	}
}

// ErrInvalidConfig is returned for negative counts or durations.
var ErrInvalidConfig = errors.New("overlay: invalid config")

// Validate rejects negative values.
func (c Config) Validate() error {
	switch {
	case c.CountFrom < 0:
		return fmt.Errorf("%w: countFrom %d < 0", ErrInvalidConfig, c.CountFrom)
	case c.PrimingDelay < 0, c.TickInterval < 0, c.ProcessingDuration < 0, c.SettleDelay < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Initial returns the first phase of a run.
func (c Config) Initial() Phase { return Countdown(c.CountFrom) }

// Next returns the phase following p and how long p stays visible before
// the transition. ok is false for Complete, which has no successor.
func (c Config) Next(p Phase) (next Phase, hold time.Duration, ok bool) {
	switch p.Kind {
	case KindCountdown:
		if p.Count > 0 {
			return Countdown(p.Count - 1), c.TickInterval, true
		}
		return Processing(), c.TickInterval, true
	case KindProcessing:
		return Complete(), c.ProcessingDuration, true
	}
	return Phase{}, 0, false
}

// Sequence returns every phase of a run in order. It is the timeline Start
// plays, without the timers.
func (c Config) Sequence() []Phase {
	seq := []Phase{c.Initial()}
	for {
		next, _, ok := c.Next(seq[len(seq)-1])
		if !ok {
			return seq
		}
		seq = append(seq, next)
	}
}

// Total returns the time from Start to onComplete.
func (c Config) Total() time.Duration {
	total := c.PrimingDelay + c.SettleDelay
	p := c.Initial()
	for {
		next, hold, ok := c.Next(p)
		if !ok {
			return total
		}
		total += hold
		p = next
	}
}

// Settings is the millisecond-based configuration surface exposed to
// callers over JSON.
type Settings struct {
	CountFrom            int `json:"countFrom"`
	PrimingDelayMs       int `json:"primingDelayMs"`
	TickIntervalMs       int `json:"tickIntervalMs"`
	ProcessingDurationMs int `json:"processingDurationMs"`
	SettleDelayMs        int `json:"settleDelayMs"`
}

// Settings converts c to its JSON surface.
func (c Config) Settings() Settings {
	return Settings{
		CountFrom:            c.CountFrom,
		PrimingDelayMs:       int(c.PrimingDelay / time.Millisecond),
		TickIntervalMs:       int(c.TickInterval / time.Millisecond),
		ProcessingDurationMs: int(c.ProcessingDuration / time.Millisecond),
		SettleDelayMs:        int(c.SettleDelay / time.Millisecond),
	}
}

// Config converts s back to a Config.
func (s Settings) Config() Config {
	return Config{
		CountFrom:          s.CountFrom,
		PrimingDelay:       time.Duration(s.PrimingDelayMs) * time.Millisecond,
		TickInterval:       time.Duration(s.TickIntervalMs) * time.Millisecond,
		ProcessingDuration: time.Duration(s.ProcessingDurationMs) * time.Millisecond,
		SettleDelay:        time.Duration(s.SettleDelayMs) * time.Millisecond,
	}
}

// Tuning is the overlay timing applied to new runs. It is safe for
// concurrent use.
type Tuning struct {
	mu  sync.RWMutex
	cfg Config
}

// NewTuning returns a Tuning starting at cfg.
func NewTuning(cfg Config) *Tuning {
	return &Tuning{cfg: cfg}
}

// Config returns the current timing.
func (t *Tuning) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// Settings returns the current timing in milliseconds.
func (t *Tuning) Settings() Settings {
	return t.Config().Settings()
}

// Apply validates s and makes it current. An invalid s changes nothing.
func (t *Tuning) Apply(s Settings) (Config, error) {
	cfg := s.Config()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
	return cfg, nil
}
