package nuq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"harvest/internal/metrics"
)

// StartReaper launches the background loop that requeues active rows
// whose lease expired. Without it the lock+nonce design is incomplete:
// a crashed worker would strand its claimed job in active forever.
func (q *Queue) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			reaped, err := q.reapExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("nuq reaper pass failed", "error", err)
				}
				continue
			}
			for _, id := range reaped {
				metrics.RecordJobReaped()
				q.logger.Warn("job_reaped", "job_id", id.String(), "lease", q.lease.String())
			}
		}
	}()
}

// reapExpired resets stale active rows to queued with a cleared lock.
// The dead worker's pending RenewLock/Finish/Fail calls then fail the
// nonce check, fencing it off from the requeued row.
func (q *Queue) reapExpired(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE queue_scrape
		SET status = 'queued', lock = NULL, locked_at = NULL
		WHERE status = 'active' AND locked_at < now() - make_interval(secs => $1)
		RETURNING id`,
		q.lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RenewInterval is how often workers should renew their lock: a third
// of the lease so two renewals can fail before the reaper fires.
func (q *Queue) RenewInterval() time.Duration {
	return q.lease / 3
}
