// Package bandwidth meters the bytes served per calendar month and enforces
// an optional monthly ceiling. Accrual is an in-memory atomic add on the hot
// path; a background flusher folds the pending delta into the document store.
package bandwidth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/filebeam/filebeam/internal/logger"
)

// KeepMonths is how many monthly records survive cleanup, current included.
const KeepMonths = 3

// Store persists monthly usage. Implemented by the Firestore store in
// production and by an in-memory fake in tests.
type Store interface {
	// Increment atomically adds delta bytes to the month's record, creating
	// it if absent.
	Increment(ctx context.Context, month string, delta int64) error
	// Usage returns the persisted byte count for the month; zero when the
	// record does not exist.
	Usage(ctx context.Context, month string) (int64, error)
	// Months lists every month key present in the store.
	Months(ctx context.Context) ([]string, error)
	// Delete removes the month's record.
	Delete(ctx context.Context, month string) error
}

// MonthKey formats t's UTC month as the ledger key, e.g. "2026-08".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Ledger tracks usage for the current month. The ceiling check and accrual
// are lock-free; the mutex only guards the pending-delta map during flush and
// month rollover.
type Ledger struct {
	store      Store
	limitBytes int64 // 0 disables the ceiling
	log        *logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	month   string // month the counters below describe
	used    int64  // persisted + flushed usage for month
	pending int64  // accrued since the last flush
}

// NewLedger creates a ledger enforcing limitBytes per month (0 = unlimited)
// and primes it with the current month's persisted usage.
func NewLedger(ctx context.Context, store Store, limitBytes int64, log *logger.Logger) (*Ledger, error) {
	l := &Ledger{
		store:      store,
		limitBytes: limitBytes,
		log:        log.WithComponent("bandwidth"),
		now:        time.Now,
	}
	month := MonthKey(l.now())
	used, err := store.Usage(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("loading bandwidth usage for %s: %w", month, err)
	}
	l.month = month
	l.used = used
	return l, nil
}

// Add accrues n bytes to the month of now. Accrual at write time, not request
// start, so streams spanning a month boundary split their bytes correctly.
func (l *Ledger) Add(n int64) {
	if n <= 0 {
		return
	}
	month := MonthKey(l.now())

	l.mu.Lock()
	defer l.mu.Unlock()
	if month != l.month {
		l.rolloverLocked(month)
	}
	l.pending += n
}

// Used returns the byte total for the current month, pending included.
func (l *Ledger) Used() int64 {
	month := MonthKey(l.now())
	l.mu.Lock()
	defer l.mu.Unlock()
	if month != l.month {
		return 0
	}
	return l.used + l.pending
}

// Month returns the month key the ledger is currently accruing to.
func (l *Ledger) Month() string {
	return MonthKey(l.now())
}

// Limit returns the configured monthly ceiling in bytes, 0 when disabled.
func (l *Ledger) Limit() int64 {
	return l.limitBytes
}

// Exceeded reports whether the monthly ceiling has been reached. Admission
// control only: streams already past admission run to completion.
func (l *Ledger) Exceeded() bool {
	if l.limitBytes <= 0 {
		return false
	}
	return l.Used() >= l.limitBytes
}

// rolloverLocked flushes the old month's pending delta in the background and
// resets counters for the new month. Usage for the new month is loaded lazily
// by the next Flush; until then Used undercounts by at most one flush window.
func (l *Ledger) rolloverLocked(month string) {
	if l.pending > 0 {
		oldMonth, delta := l.month, l.pending
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.store.Increment(ctx, oldMonth, delta); err != nil {
				l.log.Error("flushing prior month on rollover", "month", oldMonth, "error", err)
			}
		}()
	}
	l.log.Info("bandwidth month rollover", "from", l.month, "to", month)
	l.month = month
	l.used = 0
	l.pending = 0
}

// Flush persists the pending delta for the current month. Called on a timer
// and at shutdown. On store failure the delta is retained for the next flush.
func (l *Ledger) Flush(ctx context.Context) error {
	month := MonthKey(l.now())

	l.mu.Lock()
	if month != l.month {
		l.rolloverLocked(month)
	}
	delta := l.pending
	l.pending = 0
	l.mu.Unlock()

	if delta == 0 {
		return nil
	}
	if err := l.store.Increment(ctx, month, delta); err != nil {
		l.mu.Lock()
		l.pending += delta
		l.mu.Unlock()
		return fmt.Errorf("flushing bandwidth delta: %w", err)
	}

	l.mu.Lock()
	if l.month == month {
		l.used += delta
	}
	l.mu.Unlock()
	return nil
}

// RunFlusher flushes every interval until ctx is cancelled, then performs a
// final flush so shutdown loses nothing.
func (l *Ledger) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.Flush(flushCtx); err != nil {
				l.log.Error("final bandwidth flush", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.log.Error("bandwidth flush", "error", err)
			}
		}
	}
}

// CleanupOld deletes month records older than KeepMonths. The current month
// is never deleted regardless of the store's contents.
func (l *Ledger) CleanupOld(ctx context.Context) error {
	months, err := l.store.Months(ctx)
	if err != nil {
		return fmt.Errorf("listing ledger months: %w", err)
	}

	now := l.now().UTC()
	current := MonthKey(now)
	// Anchor at the first of the month so AddDate cannot skid across short
	// months (Jan 31 minus two months must be November, not December).
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	cutoff := MonthKey(firstOfMonth.AddDate(0, -(KeepMonths - 1), 0))
	for _, m := range months {
		if m == current || m >= cutoff {
			continue
		}
		if err := l.store.Delete(ctx, m); err != nil {
			return fmt.Errorf("deleting ledger month %s: %w", m, err)
		}
		l.log.Info("deleted old bandwidth record", "month", m)
	}
	return nil
}
