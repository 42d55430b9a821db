package nuq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"
)

// Job statuses as stored in the job_status enum.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// notifyChannel is the single LISTEN/NOTIFY channel shared by all jobs.
// Payloads are "<id>|completed" or "<id>|failed"; subscribers filter
// by id.
const notifyChannel = "queue_scrape"

var (
	// ErrDuplicateJob is returned by Add when the id already exists.
	ErrDuplicateJob = errors.New("nuq: duplicate job id")
	// ErrWaitTimeout is returned by WaitForJob when the timeout
	// elapses before the job reaches a terminal state.
	ErrWaitTimeout = errors.New("nuq: wait for job timed out")
)

// Job is one row of queue_scrape.
type Job struct {
	ID           uuid.UUID
	Status       string
	Data         []byte
	CreatedAt    time.Time
	Lock         *string
	LockedAt     *time.Time
	FinishedAt   *time.Time
	ReturnValue  pqtype.NullRawMessage
	FailedReason *string
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Queue is the PostgreSQL-backed scrape job queue. All mutation of a
// claimed row is gated on the worker nonce; completion is broadcast on
// a single notification channel.
type Queue struct {
	pool     *pgxpool.Pool
	listener *listener
	lease    time.Duration
	logger   *slog.Logger
}

// New constructs a Queue on the given pool and starts the notification
// listener on a dedicated direct connection (listenDSN must not go
// through a transaction pooler).
func New(ctx context.Context, pool *pgxpool.Pool, listenDSN string, lease time.Duration, logger *slog.Logger) *Queue {
	q := &Queue{
		pool:   pool,
		lease:  lease,
		logger: logger,
	}
	q.listener = newListener(listenDSN, logger, q.recheckWaiters)
	go q.listener.run(ctx)
	return q
}

const jobColumns = "id, status, data, created_at, lock, locked_at, finished_at, returnvalue, failedreason"

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Status, &j.Data, &j.CreatedAt, &j.Lock, &j.LockedAt, &j.FinishedAt, &j.ReturnValue, &j.FailedReason)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Add inserts a queued row. It emits no notification; dispatch is
// pull-based via Claim.
func (q *Queue) Add(ctx context.Context, id uuid.UUID, data []byte) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		"INSERT INTO queue_scrape (id, data) VALUES ($1, $2) RETURNING "+jobColumns,
		id, data)
	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateJob
		}
		return nil, fmt.Errorf("nuq add: %w", err)
	}
	return job, nil
}

// GetJob fetches one row; returns (nil, nil) when the id is unknown.
func (q *Queue) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := q.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM queue_scrape WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("nuq get job: %w", err)
	}
	return job, nil
}

// GetJobs fetches all existing rows among ids, in no particular order.
func (q *Queue) GetJobs(ctx context.Context, ids []uuid.UUID) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx,
		"SELECT "+jobColumns+" FROM queue_scrape WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("nuq get jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobsWithStatuses fetches rows among ids restricted to the given
// statuses.
func (q *Queue) GetJobsWithStatuses(ctx context.Context, ids []uuid.UUID, statuses []string) ([]*Job, error) {
	if len(ids) == 0 || len(statuses) == 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx,
		"SELECT "+jobColumns+" FROM queue_scrape WHERE id = ANY($1) AND status = ANY($2::job_status[])",
		ids, statuses)
	if err != nil {
		return nil, fmt.Errorf("nuq get jobs with statuses: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Remove deletes a row regardless of state. Idempotent; reports
// whether a row was deleted.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.pool.Exec(ctx, "DELETE FROM queue_scrape WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("nuq remove: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim atomically takes the oldest queued row for this worker: the
// row flips to active with the worker nonce as its lock. Returns
// (nil, nil) when the queue is empty. SKIP LOCKED keeps concurrent
// claimers from blocking on each other.
func (q *Queue) Claim(ctx context.Context, workerNonce string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE queue_scrape
		SET status = 'active', lock = $1, locked_at = now()
		WHERE id = (
			SELECT id FROM queue_scrape
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerNonce)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("nuq claim: %w", err)
	}
	return job, nil
}

// RenewLock refreshes locked_at for a job this worker holds. Returns
// false when the nonce no longer matches (the reaper requeued the row
// and someone else may hold it now).
func (q *Queue) RenewLock(ctx context.Context, id uuid.UUID, workerNonce string) (bool, error) {
	tag, err := q.pool.Exec(ctx,
		"UPDATE queue_scrape SET locked_at = now() WHERE id = $1 AND lock = $2 AND status = 'active'",
		id, workerNonce)
	if err != nil {
		return false, fmt.Errorf("nuq renew lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish moves an active job this worker holds to completed and
// notifies waiters. Returns false when the nonce does not match or the
// job already reached a terminal state.
func (q *Queue) Finish(ctx context.Context, id uuid.UUID, workerNonce string, returnValue []byte) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		WITH upd AS (
			UPDATE queue_scrape
			SET status = 'completed', lock = NULL, locked_at = NULL, finished_at = now(), returnvalue = $3
			WHERE id = $1 AND lock = $2 AND status = 'active'
			RETURNING id
		)
		SELECT pg_notify($4, id::text || '|completed') FROM upd`,
		id, workerNonce, returnValue, notifyChannel)
	if err != nil {
		return false, fmt.Errorf("nuq finish: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail moves an active job this worker holds to failed and notifies
// waiters. failedReason is expected to be a serialized transportable
// error.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, workerNonce string, failedReason string) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		WITH upd AS (
			UPDATE queue_scrape
			SET status = 'failed', lock = NULL, locked_at = NULL, finished_at = now(), failedreason = $3
			WHERE id = $1 AND lock = $2 AND status = 'active'
			RETURNING id
		)
		SELECT pg_notify($4, id::text || '|failed') FROM upd`,
		id, workerNonce, failedReason, notifyChannel)
	if err != nil {
		return false, fmt.Errorf("nuq fail: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// WaitForJob blocks until the job reaches a terminal state or the
// timeout elapses, returning "completed" or "failed". The subscription
// is established before the current state is read so a notification
// arriving between the two cannot be lost. A row that disappears
// mid-wait (removed) is reported as failed.
func (q *Queue) WaitForJob(ctx context.Context, id uuid.UUID, timeout time.Duration) (string, error) {
	return q.waitForJob(ctx, id, timeout, false)
}

// WaitForDeferredJob waits on a job parked behind the concurrency
// ceiling. Such a job has no queue row until the promoter materializes
// it, so a missing row means "still parked", not "removed".
func (q *Queue) WaitForDeferredJob(ctx context.Context, id uuid.UUID, timeout time.Duration) (string, error) {
	return q.waitForJob(ctx, id, timeout, true)
}

func (q *Queue) waitForJob(ctx context.Context, id uuid.UUID, timeout time.Duration, pending bool) (string, error) {
	ch := q.listener.subscribe(id, pending)
	defer q.listener.unsubscribe(id, ch)

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job == nil && !pending {
		return StatusFailed, nil
	}
	if job != nil && job.Terminal() {
		return job.Status, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case status := <-ch:
		return status, nil
	case <-timer:
		return "", ErrWaitTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// recheckWaiters re-reads the state of all outstanding waits after the
// listener reconnects, delivering any terminal transition whose
// notification was missed during the outage.
func (q *Queue) recheckWaiters(ctx context.Context, waiting map[uuid.UUID]bool) {
	if len(waiting) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(waiting))
	for id := range waiting {
		ids = append(ids, id)
	}
	jobs, err := q.GetJobs(ctx, ids)
	if err != nil {
		q.logger.Error("nuq recheck failed", "error", err)
		return
	}
	seen := make(map[uuid.UUID]struct{}, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = struct{}{}
		if j.Terminal() {
			q.listener.deliver(j.ID, j.Status)
		}
	}
	// Rows removed during the outage count as failed for waiters,
	// except for deferred jobs whose row has not been created yet.
	for _, id := range ids {
		if _, ok := seen[id]; !ok && !waiting[id] {
			q.listener.deliver(id, StatusFailed)
		}
	}
}

// StatusCounts returns row counts per status for the metrics endpoint.
func (q *Queue) StatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := q.pool.Query(ctx, "SELECT status::text, count(*) FROM queue_scrape GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("nuq status counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{
		StatusQueued:    0,
		StatusActive:    0,
		StatusCompleted: 0,
		StatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
