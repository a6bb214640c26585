// Package notifier exposes one-shot epoch timers (component L) backed by
// wall-clock reads of the application state's epoch_end_ms.
package notifier

import (
	"context"
	"time"
)

// EpochReader is the subset of appstate.QueryRunner the notifier polls.
type EpochReader interface {
	// EpochEndMS returns the current epoch's end time, in Unix milliseconds.
	EpochEndMS() int64
}

// Notifier schedules one-shot callbacks tied to epoch boundaries. Each call
// to NotifyOnNewEpoch/NotifyBeforeEpochChange fires its tx exactly once.
type Notifier struct {
	epochs EpochReader
	// pollInterval bounds how stale a fired notification can be relative to
	// the actual epoch_end_ms read; epoch ends are far apart compared with a
	// one-second poll, so a short poll is cheap relative to the event it is
	// watching for.
	pollInterval time.Duration
}

// New builds a Notifier reading epoch end times from epochs.
func New(epochs EpochReader) *Notifier {
	return &Notifier{epochs: epochs, pollInterval: time.Second}
}

// NotifyOnNewEpoch fires tx once, the first time epoch_end_ms is observed to
// have passed relative to when this call was made.
func (n *Notifier) NotifyOnNewEpoch(ctx context.Context, tx func()) {
	deadline := time.UnixMilli(n.epochs.EpochEndMS())
	n.fireAt(ctx, deadline, tx)
}

// NotifyBeforeEpochChange fires tx once, before lead arrives at the current
// epoch's end.
func (n *Notifier) NotifyBeforeEpochChange(ctx context.Context, lead time.Duration, tx func()) {
	deadline := time.UnixMilli(n.epochs.EpochEndMS()).Add(-lead)
	n.fireAt(ctx, deadline, tx)
}

func (n *Notifier) fireAt(ctx context.Context, deadline time.Time, tx func()) {
	go func() {
		ticker := time.NewTicker(n.pollInterval)
		defer ticker.Stop()
		if !deadline.After(time.Now()) {
			tx()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if !now.Before(deadline) {
					tx()
					return
				}
			}
		}
	}()
}
