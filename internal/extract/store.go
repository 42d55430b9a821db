package extract

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when an extract id has no record (expired or
// never existed).
var ErrNotFound = errors.New("extract not found")

// Job statuses visible through GET /v2/extract/:id.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Record is the extract job state kept under extract:<id>.
type Record struct {
	ID         string         `json:"id"`
	TeamID     string         `json:"team_id"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Warning    string         `json:"warning,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	CostTokens int64          `json:"costTokens,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// Store keeps extract job records in Redis with a TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func recordKey(id string) string { return "extract:" + id }

// Save writes the record, stamping ExpiresAt from the store TTL.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	rec.ExpiresAt = time.Now().Add(s.ttl)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, recordKey(rec.ID), payload, s.ttl).Err()
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
