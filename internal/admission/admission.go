package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"harvest/internal/config"
	"harvest/internal/model"
)

// Request modes the controller distinguishes for rate limiting.
const (
	ModeScrape  = "scrape"
	ModeCrawl   = "crawl"
	ModeMap     = "map"
	ModeSearch  = "search"
	ModeExtract = "extract"
	ModeStatus  = "status"
)

// queueRegistryKey is the well-known set of team ids that currently
// have a concurrency-limit queue; the metrics endpoint scans it.
const queueRegistryKey = "concurrency-limit-queues"

func limiterKey(teamID string) string {
	return "concurrency-limiter:" + teamID
}

func limitQueueKey(teamID string) string {
	return "concurrency-limit-queue:" + teamID
}

// Controller applies the two admission gates (rate limit, credits) and
// maintains the two per-team side registers (active jobs, deferred
// jobs) in Redis.
type Controller struct {
	rdb    *redis.Client
	cfg    *config.Config
	logger *slog.Logger
}

func NewController(rdb *redis.Client, cfg *config.Config, logger *slog.Logger) *Controller {
	return &Controller{rdb: rdb, cfg: cfg, logger: logger}
}

// CheckRateLimit enforces a fixed-window per-minute limit per team and
// mode. The limit comes from the team identity, falling back to the
// configured default.
func (c *Controller) CheckRateLimit(ctx context.Context, acuc *model.ACUC, mode string) error {
	limit := c.cfg.RateLimit.DefaultPerMinute
	if v, ok := c.cfg.RateLimit.PerMode[mode]; ok && v > 0 {
		limit = v
	}
	limit = acuc.RateLimit(mode, limit)
	if limit <= 0 {
		return nil
	}

	window := time.Now().UTC().Format("200601021504") // YYYYMMDDHHMM minute window
	key := fmt.Sprintf("harvest:rl:%s:%s:%s", acuc.TeamID, mode, window)

	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate limit increment: %w", err)
	}
	if count == 1 {
		// First hit in this window; set TTL
		_ = c.rdb.Expire(ctx, key, time.Minute).Err()
	}

	if count > int64(limit) {
		return &model.TransportableError{
			Code:    model.CodeRateLimited,
			Message: fmt.Sprintf("rate limit of %d requests per minute exceeded for %s", limit, mode),
		}
	}
	return nil
}

// MinimumRequested computes the credit floor a request must clear
// before admission: the request limit, else the url count, else 1.
func MinimumRequested(limit *int, urls []string) int64 {
	if limit != nil && *limit > 0 {
		return int64(*limit)
	}
	if len(urls) > 0 {
		return int64(len(urls))
	}
	return 1
}

// CheckCredits rejects work the team cannot pay for.
func (c *Controller) CheckCredits(acuc *model.ACUC, minimumRequested int64) error {
	if acuc.RemainingCredits >= minimumRequested {
		return nil
	}
	return &model.TransportableError{
		Code: model.CodeInsufficientCredits,
		Message: fmt.Sprintf("insufficient credits: %d remaining, %d required",
			acuc.RemainingCredits, minimumRequested),
	}
}

// Ceiling combines the team's concurrency limit for a mode with the
// complementary mode's limit (crawl vs extract share capacity). The
// combination rule is max; disable via config to pin each mode to its
// own limit.
func (c *Controller) Ceiling(acuc, otherACUC *model.ACUC) int {
	ceiling := acuc.Concurrency
	if c.cfg.Admission.ShareConcurrencyAcrossModes && otherACUC != nil && otherACUC.Concurrency > ceiling {
		ceiling = otherACUC.Concurrency
	}
	if ceiling <= 0 {
		ceiling = 1
	}
	return ceiling
}

// RegisterActiveJob adds a job to the team's active register. The
// score is an expiry timestamp so crashed workers' entries age out of
// the concurrency count on their own.
func (c *Controller) RegisterActiveJob(ctx context.Context, teamID, jobID string) error {
	expiry := time.Now().Add(time.Duration(c.cfg.Admission.MaxJobDurationSeconds) * time.Second)
	return c.rdb.ZAdd(ctx, limiterKey(teamID), redis.Z{
		Score:  float64(expiry.UnixMilli()),
		Member: jobID,
	}).Err()
}

// UnregisterActiveJob removes a job from the active register on
// terminal state.
func (c *Controller) UnregisterActiveJob(ctx context.Context, teamID, jobID string) error {
	return c.rdb.ZRem(ctx, limiterKey(teamID), jobID).Err()
}

// ActiveConcurrency returns the team's current concurrency: members
// whose expiry score is still in the future. Entries with scores in
// the past are ignored rather than eagerly pruned.
func (c *Controller) ActiveConcurrency(ctx context.Context, teamID string) (int, error) {
	now := time.Now().UnixMilli()
	n, err := c.rdb.ZCount(ctx, limiterKey(teamID),
		fmt.Sprintf("%d", now), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeferJob parks a job in the team's concurrency-limit queue because
// admitting it would exceed the ceiling. Score is enqueue time so the
// promoter releases jobs FIFO.
func (c *Controller) DeferJob(ctx context.Context, teamID, jobID string) error {
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, limitQueueKey(teamID), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jobID,
	})
	pipe.SAdd(ctx, queueRegistryKey, teamID)
	_, err := pipe.Exec(ctx)
	return err
}

// AbandonDeferredJob drops a parked job and its stashed payload, for
// callers that gave up waiting before the promoter released it.
func (c *Controller) AbandonDeferredJob(ctx context.Context, teamID, jobID string) error {
	pipe := c.rdb.Pipeline()
	pipe.ZRem(ctx, limitQueueKey(teamID), jobID)
	pipe.Del(ctx, payloadKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// takeDeferred pops up to n of the oldest deferred jobs for a team.
func (c *Controller) takeDeferred(ctx context.Context, teamID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	key := limitQueueKey(teamID)
	members, err := c.rdb.ZRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// DeferredCount returns how many of one team's jobs are parked behind
// the concurrency ceiling.
func (c *Controller) DeferredCount(ctx context.Context, teamID string) (int64, error) {
	return c.rdb.ZCard(ctx, limitQueueKey(teamID)).Result()
}

// QueueCounts returns the deferred-job count per team by scanning the
// registry set; consumed by the metrics exporter.
func (c *Controller) QueueCounts(ctx context.Context) (map[string]int64, error) {
	teams, err := c.rdb.SMembers(ctx, queueRegistryKey).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(teams))
	for _, teamID := range teams {
		n, err := c.rdb.ZCard(ctx, limitQueueKey(teamID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		counts[teamID] = n
	}
	return counts, nil
}

// Promote moves deferred jobs back to the main queue as capacity frees
// for a team. promote is supplied by the orchestrator and performs the
// actual requeue; ceiling resolves the team's current limit.
type PromoteFunc func(ctx context.Context, teamID, jobID string) error
type CeilingFunc func(ctx context.Context, teamID string) int

// StartPromoter runs the background loop that scans all teams with a
// concurrency-limit queue and releases jobs up to free capacity.
func (c *Controller) StartPromoter(ctx context.Context, ceiling CeilingFunc, promote PromoteFunc) {
	go func() {
		interval := time.Duration(c.cfg.Admission.PromoterIntervalMs) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			teams, err := c.rdb.SMembers(ctx, queueRegistryKey).Result()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("promoter registry scan failed", "error", err)
				}
				continue
			}

			for _, teamID := range teams {
				active, err := c.ActiveConcurrency(ctx, teamID)
				if err != nil {
					continue
				}
				capacity := ceiling(ctx, teamID) - active
				if capacity <= 0 {
					continue
				}

				jobIDs, err := c.takeDeferred(ctx, teamID, capacity)
				if err != nil {
					continue
				}
				for _, jobID := range jobIDs {
					if err := promote(ctx, teamID, jobID); err != nil {
						c.logger.Error("job promotion failed",
							"team_id", teamID, "job_id", jobID, "error", err)
						continue
					}
					c.logger.Info("job_promoted", "team_id", teamID, "job_id", jobID)
				}

				// Drop drained teams from the registry so the metric
				// scan stays bounded.
				if n, err := c.rdb.ZCard(ctx, limitQueueKey(teamID)).Result(); err == nil && n == 0 {
					_ = c.rdb.SRem(ctx, queueRegistryKey, teamID).Err()
				}
			}
		}
	}()
}
