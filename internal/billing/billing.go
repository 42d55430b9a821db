package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"harvest/internal/model"
)

// ErrUnknownAPIKey is returned when a presented key matches no row.
var ErrUnknownAPIKey = errors.New("unknown api key")

const keyPrefix = "harvest_"

// Store resolves API keys to team identity and persists credit
// charges. When database authentication is disabled the store hands
// out a permissive local identity and charges become no-ops.
type Store struct {
	pool      *pgxpool.Pool
	useDBAuth bool
	enabled   bool
	logger    *slog.Logger
}

func NewStore(pool *pgxpool.Pool, useDBAuth, billingEnabled bool, logger *slog.Logger) *Store {
	return &Store{pool: pool, useDBAuth: useDBAuth, enabled: billingEnabled, logger: logger}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// acucRow is the scan surface shared by QueryRow results.
type acucRow interface {
	Scan(dest ...any) error
}

// scanACUC reads the common team columns into acuc, plus any trailing
// key-level columns. crawl_ttl_hours is nullable; NULL means the team
// uses the store-wide crawl TTL.
func scanACUC(row acucRow, acuc *model.ACUC, extra ...any) error {
	var ttlHours *int
	dests := []any{
		&acuc.TeamID, &acuc.PriceCredits, &acuc.CreditsUsed, &acuc.AdjustedCreditsUsed,
		&acuc.RemainingCredits, &acuc.Concurrency, &ttlHours,
		&acuc.ZeroDataRetention, &acuc.RobotsBypass,
	}
	dests = append(dests, extra...)
	if err := row.Scan(dests...); err != nil {
		return err
	}
	if ttlHours != nil {
		acuc.CrawlTTLHours = *ttlHours
	}
	return nil
}

// localACUC is the identity used when USE_DB_AUTHENTICATION is off:
// a single anonymous team with effectively unlimited credits.
func localACUC() *model.ACUC {
	return &model.ACUC{
		TeamID:           "local",
		RemainingCredits: 1 << 40,
		Concurrency:      100,
		IsAdmin:          true,
		FetchedAt:        time.Now(),
	}
}

// ResolveAPIKey looks up a presented key and returns the team's ACUC.
// Counters are read fresh; callers cache the result briefly.
func (s *Store) ResolveAPIKey(ctx context.Context, key string) (*model.ACUC, error) {
	if !s.useDBAuth {
		return localACUC(), nil
	}
	if !strings.HasPrefix(key, keyPrefix) {
		return nil, ErrUnknownAPIKey
	}

	const q = `
		SELECT t.id, t.price_credits, t.credits_used, t.adjusted_credits_used,
		       t.remaining_credits, t.concurrency, t.crawl_ttl_hours,
		       t.zero_data_retention, t.robots_bypass,
		       k.is_admin, k.rate_limit_per_minute
		FROM api_keys k
		JOIN teams t ON t.id = k.team_id
		WHERE k.key_hash = $1`

	var (
		acuc      model.ACUC
		rateLimit *int
	)
	err := scanACUC(s.pool.QueryRow(ctx, q, hashKey(key)), &acuc, &acuc.IsAdmin, &rateLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownAPIKey
		}
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	if rateLimit != nil && *rateLimit > 0 {
		acuc.RateLimits = map[string]int{
			"scrape": *rateLimit, "crawl": *rateLimit,
			"map": *rateLimit, "search": *rateLimit, "extract": *rateLimit,
		}
	}
	acuc.FetchedAt = time.Now()
	return &acuc, nil
}

// TeamACUC loads a team's identity without an API key, for background
// paths (promoter, crawl children) that only know the team id.
func (s *Store) TeamACUC(ctx context.Context, teamID string) (*model.ACUC, error) {
	if !s.useDBAuth || teamID == "local" {
		return localACUC(), nil
	}

	var acuc model.ACUC
	err := scanACUC(s.pool.QueryRow(ctx, `
		SELECT id, price_credits, credits_used, adjusted_credits_used,
		       remaining_credits, concurrency, crawl_ttl_hours,
		       zero_data_retention, robots_bypass
		FROM teams WHERE id = $1`, teamID), &acuc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("team %s not found", teamID)
		}
		return nil, fmt.Errorf("load team %s: %w", teamID, err)
	}
	acuc.FetchedAt = time.Now()
	return &acuc, nil
}

// ChargeSpec describes one billable scrape for credit calculation.
type ChargeSpec struct {
	Formats  []string
	NumPages int
	Stealth  bool
	JSONUsed bool
	ZDR      bool
}

// CalculateCreditsToBeBilled prices a single scrape. Each PDF page
// costs one credit, stealth proxying and LLM JSON extraction carry a
// surcharge, and zero data retention adds a flat fee.
func CalculateCreditsToBeBilled(spec ChargeSpec) int64 {
	pages := int64(spec.NumPages)
	if pages < 1 {
		pages = 1
	}
	credits := pages
	if spec.Stealth {
		credits += 4
	}
	if spec.JSONUsed {
		credits += 4
	}
	if spec.ZDR {
		credits += 1
	}
	return credits
}

// Charge debits a team and records the charge in the ledger. Charges
// are skipped entirely when billing persistence is disabled.
func (s *Store) Charge(ctx context.Context, teamID string, credits int64, reason string) error {
	if credits <= 0 {
		return nil
	}
	if !s.useDBAuth || !s.enabled || teamID == "local" {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin charge: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE teams
		SET credits_used = credits_used + $2,
		    adjusted_credits_used = adjusted_credits_used + $2,
		    remaining_credits = remaining_credits - $2
		WHERE id = $1`, teamID, credits)
	if err != nil {
		return fmt.Errorf("debit team %s: %w", teamID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_ledger (team_id, credits, reason)
		VALUES ($1, $2, $3)`, teamID, credits, reason)
	if err != nil {
		return fmt.Errorf("record charge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Debug("credits_charged", "team_id", teamID, "credits", credits, "reason", reason)
	return nil
}

// CreditUsage is the team-facing counter snapshot.
type CreditUsage struct {
	TotalCreditsUsed int64 `json:"totalCreditsUsed"`
	RemainingCredits int64 `json:"remainingCredits"`
	PlanCredits      int64 `json:"planCredits"`
}

// CreditUsage returns a team's current counters.
func (s *Store) CreditUsage(ctx context.Context, teamID string) (*CreditUsage, error) {
	if !s.useDBAuth || teamID == "local" {
		return &CreditUsage{RemainingCredits: 1 << 40}, nil
	}
	var usage CreditUsage
	err := s.pool.QueryRow(ctx, `
		SELECT credits_used, remaining_credits, price_credits
		FROM teams WHERE id = $1`, teamID).
		Scan(&usage.TotalCreditsUsed, &usage.RemainingCredits, &usage.PlanCredits)
	if err != nil {
		return nil, fmt.Errorf("credit usage for %s: %w", teamID, err)
	}
	return &usage, nil
}
