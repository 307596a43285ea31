package auction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowtrading/auction-engine/internal/metrics"
)

// Mailbox coalesces auto-solve requests into a single pending slot: bid
// mutations post the instant they committed at, and the consumer
// goroutine solves at the most recent posted instant. If a solve is
// already pending, subsequent posts replace the target instant rather
// than queueing, so a burst of mutations costs at most one extra solve.
// The result is eventually consistent with the latest mutation.
type Mailbox struct {
	mu      sync.Mutex
	pending *time.Time
	wake    chan struct{}

	solve func(ctx context.Context, t time.Time) error
}

// NewMailbox creates a mailbox draining into the given solve function.
func NewMailbox(solve func(ctx context.Context, t time.Time) error) *Mailbox {
	return &Mailbox{
		wake:  make(chan struct{}, 1),
		solve: solve,
	}
}

// Post requests a solve at t. Never blocks; later instants win.
func (m *Mailbox) Post(t time.Time) {
	m.mu.Lock()
	if m.pending != nil {
		metrics.MailboxCoalesced.Inc()
		if t.After(*m.pending) {
			m.pending = &t
		}
	} else {
		m.pending = &t
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start runs the consumer loop until ctx is cancelled. Solve failures
// are logged and do not affect the mutation that triggered them.
func (m *Mailbox) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}

			for {
				m.mu.Lock()
				t := m.pending
				m.pending = nil
				m.mu.Unlock()
				if t == nil {
					break
				}
				if err := m.solve(ctx, *t); err != nil {
					slog.Error("auto-solve failed",
						"as_of", t.Format(time.RFC3339Nano), "err", err)
				}
			}
		}
	}()
}

// take returns and clears the pending instant; test hook.
func (m *Mailbox) take() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.pending
	m.pending = nil
	return t
}
