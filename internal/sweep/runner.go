// Package sweep runs the periodic roster reconciliation and pushes the
// resulting report to the operator chat.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"rollcall/internal/engine"
	"rollcall/internal/report"
)

// Notifier is the outbound side of the chat transport.
type Notifier interface {
	Send(ctx context.Context, chatID, text string, markdown bool) error
}

type Runner struct {
	Engine         *engine.Engine
	Notifier       Notifier
	OperatorChatID string
	Interval       time.Duration
	DailyAt        string // HH:MM local, optional
	Logger         *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run blocks until ctx is done. Failures of a single pass are logged and the
// loop keeps going; each Absent append is idempotent so a pass interrupted at
// shutdown leaves nothing to repair.
func (r *Runner) Run(ctx context.Context) {
	if r.Interval <= 0 && r.DailyAt == "" {
		r.logger().Info("sweep runner disabled: no interval or daily time configured")
		return
	}
	var tick <-chan time.Time
	if r.Interval > 0 {
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	daily := r.dailyTimer()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.runOnce(ctx)
		case <-daily.C:
			r.runOnce(ctx)
			daily.Reset(untilDaily(r.DailyAt, time.Now()))
		}
	}
}

// RunOnce performs a single pass; used by the on-command path and tests.
func (r *Runner) RunOnce(ctx context.Context) {
	r.runOnce(ctx)
}

func (r *Runner) runOnce(ctx context.Context) {
	results, err := r.Engine.Sweep(ctx, "")
	if err != nil {
		r.logger().Error("sweep failed", "error", err)
		return
	}
	text := report.Format(results)
	if r.OperatorChatID == "" {
		r.logger().Info("sweep completed, no operator chat configured", "topics", len(results))
		return
	}
	if err := r.Notifier.Send(ctx, r.OperatorChatID, text, true); err != nil {
		r.logger().Error("sweep report delivery failed", "error", err)
	}
}

// dailyTimer returns a timer for the configured HH:MM, or one that never
// fires when unset.
func (r *Runner) dailyTimer() *time.Timer {
	if r.DailyAt == "" {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTimer(untilDaily(r.DailyAt, time.Now()))
}

func untilDaily(hhmm string, now time.Time) time.Duration {
	at, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 24 * time.Hour
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
