// Package activity tracks speaking activity in a voice session and decides
// when to nudge an idle user and when to close the session.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/androfit/coach/internal/reliability"
)

// Session is the part of the agent runtime the monitor acts on.
type Session interface {
	Say(ctx context.Context, text string, allowInterruptions bool) error
	End(ctx context.Context) error
	Connected() bool
}

// Subscriber delivers speaking events. The returned func detaches fn.
type Subscriber interface {
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Outcome summarizes a finished Run.
type Outcome struct {
	Reason   Reason
	Warnings int
	Errors   int
	Duration time.Duration
}

type Options struct {
	Logger *zap.Logger
	// Clock overrides time.Now, mainly for tests.
	Clock     func() time.Time
	OnWarning func()
	OnError   func(error)
}

// Monitor polls a session's Timers and performs the warning and shutdown
// side effects. Run must be called at most once.
type Monitor struct {
	cfg       Config
	session   Session
	timers    *Timers
	logger    *zap.Logger
	now       func() time.Time
	onWarning func()
	onError   func(error)

	warnings int
	errors   int
}

func NewMonitor(cfg Config, session Session, opts Options) (*Monitor, error) {
	if session == nil {
		return nil, errors.New("activity monitor requires a session")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid activity config: %w", err)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		session:   session,
		timers:    NewTimers(now()),
		logger:    logger,
		now:       now,
		onWarning: opts.OnWarning,
		onError:   opts.OnError,
	}, nil
}

// Observe records a speaking event; a zero timestamp is stamped with the
// monitor clock.
func (m *Monitor) Observe(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.timers.Record(ev)
}

// Attach subscribes the monitor to src.
func (m *Monitor) Attach(src Subscriber) func() {
	return src.Subscribe(m.Observe)
}

func (m *Monitor) Snapshot() Snapshot {
	return m.timers.Snapshot()
}

// Run polls until the session is terminated, disconnected, or ctx is done.
// Failures inside a poll are logged and retried after a backoff; they never
// escape Run.
func (m *Monitor) Run(ctx context.Context) Outcome {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return m.finish(ReasonCanceled)
		case <-ticker.C:
		}

		if !m.session.Connected() {
			return m.finish(ReasonDisconnected)
		}

		reason, err := m.tick(ctx, m.now())
		if err != nil {
			m.errors++
			m.logger.Warn("activity monitor poll failed", zap.Error(err))
			if m.onError != nil {
				m.onError(err)
			}
		}
		if reason != ReasonNone {
			return m.finish(reason)
		}
		if err == nil {
			consecutive = 0
			continue
		}

		backoff := reliability.ExponentialBackoff(consecutive, m.cfg.ErrorBackoff, maxErrorBackoffFactor*m.cfg.ErrorBackoff)
		consecutive++
		if !sleepContext(ctx, backoff) {
			return m.finish(ReasonCanceled)
		}
	}
}

// tick evaluates once and performs the resulting actions. A non-empty reason
// means the session was terminated, even if err is also set.
func (m *Monitor) tick(ctx context.Context, now time.Time) (reason Reason, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason = ReasonNone
			err = fmt.Errorf("activity monitor panic: %v", r)
		}
	}()

	d := m.timers.Evaluate(now, m.cfg)

	var errs []error
	if d.Warn {
		m.warnings++
		m.logger.Info("idle warning", zap.Duration("idle", d.IdleTime))
		if m.onWarning != nil {
			m.onWarning()
		}
		if err := m.session.Say(ctx, m.cfg.Messages.Warning, true); err != nil {
			errs = append(errs, fmt.Errorf("say idle warning: %w", err))
		}
	}

	if d.Terminate {
		m.logger.Info("terminating session",
			zap.String("reason", string(d.Reason)),
			zap.Duration("idle", d.IdleTime),
			zap.Duration("elapsed", d.SessionTime),
		)
		if err := m.session.Say(ctx, m.cfg.closingMessage(d.Reason), false); err != nil {
			errs = append(errs, fmt.Errorf("say closing message: %w", err))
		}
		sleepContext(ctx, m.cfg.FarewellDelay)
		if err := m.session.End(ctx); err != nil {
			m.logger.Debug("session end failed", zap.Error(err))
		}
		return d.Reason, errors.Join(errs...)
	}

	return ReasonNone, errors.Join(errs...)
}

func (m *Monitor) finish(reason Reason) Outcome {
	return Outcome{
		Reason:   reason,
		Warnings: m.warnings,
		Errors:   m.errors,
		Duration: m.now().Sub(m.timers.Snapshot().SessionStart),
	}
}

// sleepContext waits for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
