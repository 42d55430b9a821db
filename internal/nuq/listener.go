package nuq

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// listener owns the dedicated LISTEN connection and fans notifications
// out to per-job waiters. On connection loss it reconnects, re-issues
// LISTEN, and asks the queue to re-read state for every outstanding
// waiter so transitions notified during the outage are not lost.
type listener struct {
	dsn     string
	logger  *slog.Logger
	recheck func(ctx context.Context, waiting map[uuid.UUID]bool)

	mu      sync.Mutex
	waiters map[uuid.UUID][]waiter
}

// waiter is one blocked WaitForJob call. pending marks waits on jobs
// parked behind the concurrency ceiling, whose queue row does not
// exist until the promoter materializes it.
type waiter struct {
	ch      chan string
	pending bool
}

func newListener(dsn string, logger *slog.Logger, recheck func(context.Context, map[uuid.UUID]bool)) *listener {
	return &listener{
		dsn:     dsn,
		logger:  logger,
		recheck: recheck,
		waiters: make(map[uuid.UUID][]waiter),
	}
}

// subscribe registers a waiter channel for the job id. The channel is
// buffered so deliver never blocks the listener loop.
func (l *listener) subscribe(id uuid.UUID, pending bool) chan string {
	ch := make(chan string, 1)
	l.mu.Lock()
	l.waiters[id] = append(l.waiters[id], waiter{ch: ch, pending: pending})
	l.mu.Unlock()
	return ch
}

func (l *listener) unsubscribe(id uuid.UUID, ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws := l.waiters[id]
	for i, w := range ws {
		if w.ch == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(l.waiters, id)
	} else {
		l.waiters[id] = ws
	}
}

// deliver hands a terminal status to every waiter on the id and clears
// them. Non-blocking; each channel has a one-slot buffer.
func (l *listener) deliver(id uuid.UUID, status string) {
	l.mu.Lock()
	ws := l.waiters[id]
	delete(l.waiters, id)
	l.mu.Unlock()

	for _, w := range ws {
		select {
		case w.ch <- status:
		default:
		}
	}
}

// outstanding snapshots the ids being waited on. The value is true
// when every waiter on that id is pending, so the recheck must not
// read a missing row as a removal.
func (l *listener) outstanding() map[uuid.UUID]bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make(map[uuid.UUID]bool, len(l.waiters))
	for id, ws := range l.waiters {
		pending := true
		for _, w := range ws {
			if !w.pending {
				pending = false
				break
			}
		}
		ids[id] = pending
	}
	return ids
}

// run maintains the LISTEN connection until ctx is cancelled.
func (l *listener) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("nuq listener disconnected", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (l *listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}

	// The subscription is live; catch up on anything that terminated
	// while we were disconnected.
	l.recheck(ctx, l.outstanding())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		idStr, status, ok := strings.Cut(n.Payload, "|")
		if !ok {
			l.logger.Warn("nuq malformed notification", "payload", n.Payload)
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			l.logger.Warn("nuq malformed notification id", "payload", n.Payload)
			continue
		}
		if status != StatusCompleted && status != StatusFailed {
			l.logger.Warn("nuq unexpected notification status", "payload", n.Payload)
			continue
		}

		l.deliver(id, status)
	}
}
