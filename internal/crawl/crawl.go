package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"harvest/internal/model"
)

// ErrCrawlNotFound is returned when a crawl id has no stored record
// (never existed or expired past its TTL).
var ErrCrawlNotFound = errors.New("crawl not found")

// CrawlerOptions controls frontier expansion for one crawl.
type CrawlerOptions struct {
	IncludePaths       []string `json:"includePaths,omitempty"`
	ExcludePaths       []string `json:"excludePaths,omitempty"`
	Limit              int      `json:"limit"`
	MaxDiscoveryDepth  *int     `json:"maxDiscoveryDepth,omitempty"`
	AllowSubdomains    bool     `json:"allowSubdomains,omitempty"`
	AllowExternalLinks bool     `json:"allowExternalLinks,omitempty"`
	IgnoreQueryParams  bool     `json:"ignoreQueryParameters,omitempty"`
	RegexOnFullURL     bool     `json:"regexOnFullURL,omitempty"`
	IgnoreRobots       bool     `json:"ignoreRobotsTxt,omitempty"`
	Sitemap            string   `json:"sitemap,omitempty"` // "only", "include", "skip"
	DelayMs            int      `json:"delay,omitempty"`
}

// StoredCrawl is the per-crawl metadata record kept under crawl:<id>
// with a TTL.
type StoredCrawl struct {
	OriginURL         string                `json:"originUrl"`
	CrawlerOptions    CrawlerOptions        `json:"crawlerOptions"`
	ScrapeOptions     model.ScrapeOptions   `json:"scrapeOptions"`
	InternalOptions   model.InternalOptions `json:"internalOptions"`
	TeamID            string                `json:"team_id"`
	CreatedAt         time.Time             `json:"createdAt"`
	Robots            string                `json:"robots,omitempty"`
	MaxConcurrency    *int                  `json:"maxConcurrency,omitempty"`
	Cancelled         bool                  `json:"cancelled,omitempty"`
	ZeroDataRetention bool                  `json:"zeroDataRetention,omitempty"`
	Webhook           string                `json:"webhook,omitempty"`
	WebhookHeaders    map[string]string     `json:"webhookHeaders,omitempty"`
}

func crawlKey(id string) string         { return "crawl:" + id }
func visitedKey(id string) string       { return "crawl:" + id + ":visited" }
func jobsKey(id string) string          { return "crawl:" + id + ":jobs" }
func jobsDoneKey(id string) string      { return "crawl:" + id + ":jobs_done" }
func jobsDoneOrderKey(id string) string { return "crawl:" + id + ":jobs_done_ordered" }
func robotsBlockedKey(id string) string { return "crawl:" + id + ":robots_blocked" }
func finishKey(id string) string        { return "crawl:" + id + ":finish" }

// Store owns a crawl's metadata and frontier keys in Redis. All
// frontier mutations ride on atomic SADD/SETNX semantics; no locks are
// held across calls.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// TTLFor resolves the crawl record TTL, honoring a per-team override.
func (s *Store) TTLFor(crawl *StoredCrawl, teamTTLHours int) time.Duration {
	if teamTTLHours > 0 {
		return time.Duration(teamTTLHours) * time.Hour
	}
	return s.ttl
}

// Save persists the crawl record and refreshes the TTL on it and all
// frontier keys so they expire together.
func (s *Store) Save(ctx context.Context, id string, crawl *StoredCrawl, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	payload, err := json.Marshal(crawl)
	if err != nil {
		return fmt.Errorf("marshal crawl: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, crawlKey(id), payload, ttl)
	for _, key := range []string{visitedKey(id), jobsKey(id), jobsDoneKey(id), jobsDoneOrderKey(id), robotsBlockedKey(id)} {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get loads the crawl record.
func (s *Store) Get(ctx context.Context, id string) (*StoredCrawl, error) {
	raw, err := s.rdb.Get(ctx, crawlKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCrawlNotFound
		}
		return nil, err
	}
	var crawl StoredCrawl
	if err := json.Unmarshal([]byte(raw), &crawl); err != nil {
		return nil, fmt.Errorf("unmarshal crawl %s: %w", id, err)
	}
	return &crawl, nil
}

// Cancel flips the cancelled flag, preserving the record's remaining
// TTL. Workers poll the flag cooperatively.
func (s *Store) Cancel(ctx context.Context, id string) error {
	crawl, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	crawl.Cancelled = true

	payload, err := json.Marshal(crawl)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, crawlKey(id), payload, redis.KeepTTL).Err()
}

// TryAdmitURL is the crawl-wide dedup primitive: the URL is admitted
// iff the visited set grew, and never past the crawl's page limit.
func (s *Store) TryAdmitURL(ctx context.Context, id string, canonicalURL string, limit int) (bool, error) {
	if limit > 0 {
		size, err := s.rdb.SCard(ctx, visitedKey(id)).Result()
		if err != nil {
			return false, err
		}
		if size >= int64(limit) {
			return false, nil
		}
	}
	added, err := s.rdb.SAdd(ctx, visitedKey(id), canonicalURL).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// AddJob records a child job id on the crawl.
func (s *Store) AddJob(ctx context.Context, id string, jobID string) error {
	return s.rdb.SAdd(ctx, jobsKey(id), jobID).Err()
}

// MarkJobDone records a completed (or failed) child job, both in the
// membership set and in the completion-ordered list used for
// paginated status responses.
func (s *Store) MarkJobDone(ctx context.Context, id string, jobID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, jobsDoneKey(id), jobID)
	pipe.LPush(ctx, jobsDoneOrderKey(id), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Counts returns |jobs| and |jobs_done|.
func (s *Store) Counts(ctx context.Context, id string) (jobs int64, done int64, err error) {
	pipe := s.rdb.Pipeline()
	jobsCmd := pipe.SCard(ctx, jobsKey(id))
	doneCmd := pipe.SCard(ctx, jobsDoneKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return jobsCmd.Val(), doneCmd.Val(), nil
}

// TryFinish runs the completion election: exactly one caller wins the
// NX flag and becomes responsible for marking the crawl completed and
// firing the webhook.
func (s *Store) TryFinish(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, finishKey(id), "yes", s.ttl).Result()
}

// JobIDs returns all child job ids of the crawl.
func (s *Store) JobIDs(ctx context.Context, id string) ([]string, error) {
	return s.rdb.SMembers(ctx, jobsKey(id)).Result()
}

// DoneJobIDsOrdered returns a page of job ids in completion order.
func (s *Store) DoneJobIDsOrdered(ctx context.Context, id string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, jobsDoneOrderKey(id), start, stop).Result()
}

// AddRobotsBlocked records a URL rejected by robots policy.
func (s *Store) AddRobotsBlocked(ctx context.Context, id string, url string) error {
	return s.rdb.SAdd(ctx, robotsBlockedKey(id), url).Err()
}

// RobotsBlocked returns the URLs rejected by robots policy.
func (s *Store) RobotsBlocked(ctx context.Context, id string) ([]string, error) {
	return s.rdb.SMembers(ctx, robotsBlockedKey(id)).Result()
}
