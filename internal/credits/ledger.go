package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iiagent/coreserver/internal/observability"
)

// MonthlyLimit is the hard credit ceiling per (pro_key, month).
const MonthlyLimit = 1000

// WarningThreshold is the usage level at which Track logs a warning.
const WarningThreshold = 300

// ModelClass selects a row in the cost table.
type ModelClass int

const (
	// ClassSonnet is a Sonnet-class model: 1 credit per request.
	ClassSonnet ModelClass = iota
	// ClassOpus is an Opus-class model: 4 credits per request.
	ClassOpus
	// ClassOpenRouterForPro is a listed free-for-Pro OpenRouter model: 0 credits.
	ClassOpenRouterForPro
	// ClassUnknownPremium is any other premium model: defaults to 1 credit.
	ClassUnknownPremium
)

// CostOf returns the credit cost for a model class (the 1/4/0/1-default
// table).
func CostOf(class ModelClass) int {
	switch class {
	case ClassOpus:
		return 4
	case ClassOpenRouterForPro:
		return 0
	case ClassSonnet, ClassUnknownPremium:
		return 1
	default:
		return 1
	}
}

// TrackResult is the outcome of a single Track call.
type TrackResult struct {
	Allowed          bool
	CurrentUsage     int
	LimitReached     bool
	WarningThreshold int
	UseFallback      bool
}

// UsageResult is the current-month snapshot returned by Usage.
type UsageResult struct {
	Month       string
	CreditsUsed int
	Limit       int
	Remaining   int
}

// Ledger is the Pro credit ledger: per-key monthly credit accounting
// backed by a single SQL table shared with the Event Store's database.
type Ledger struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
	log     *observability.Logger
	nowFn   func() time.Time
}

// NewLedger builds a Ledger against an already-open *sql.DB (the pro_usage
// table is migrated by the Event Store's sqlStore; this package only reads
// and writes it).
func NewLedger(db *sql.DB, dialect string, log *observability.Logger) *Ledger {
	return &Ledger{db: db, dialect: dialect, log: log, nowFn: time.Now}
}

func (l *Ledger) ph(i int) string {
	if l.dialect == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func currentMonth(t time.Time) string {
	return t.Format("2006-01")
}

// Track atomically reads-or-creates the current month's row for proKey,
// checks whether cost fits within MonthlyLimit, and — if allowed —
// increments the counter. It never increments on a rejected attempt.
func (l *Ledger) Track(ctx context.Context, proKey string, cost int) (TrackResult, error) {
	month := currentMonth(l.nowFn())

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return TrackResult{}, fmt.Errorf("credits: begin tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	var used int
	q := fmt.Sprintf(`SELECT id, sonnet_requests FROM pro_usage WHERE pro_key = %s AND month_year = %s`, l.ph(1), l.ph(2))
	err = tx.QueryRowContext(ctx, q, proKey, month).Scan(&id, &used)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		used = 0
		now := l.nowFn()
		insert := fmt.Sprintf(`INSERT INTO pro_usage (id, pro_key, month_year, sonnet_requests, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s)`,
			l.ph(1), l.ph(2), l.ph(3), l.ph(4), l.ph(5), l.ph(6))
		if _, err := tx.ExecContext(ctx, insert, id, proKey, month, 0, now, now); err != nil {
			return TrackResult{}, fmt.Errorf("credits: create row: %w", err)
		}
	case err != nil:
		return TrackResult{}, fmt.Errorf("credits: lookup row: %w", err)
	}

	if used+cost > MonthlyLimit {
		if err := tx.Commit(); err != nil {
			return TrackResult{}, fmt.Errorf("credits: commit lookup-only: %w", err)
		}
		return TrackResult{
			Allowed:          false,
			CurrentUsage:     used,
			LimitReached:     true,
			WarningThreshold: WarningThreshold,
			UseFallback:      true,
		}, nil
	}

	newUsed := used + cost
	update := fmt.Sprintf(`UPDATE pro_usage SET sonnet_requests = %s, updated_at = %s WHERE id = %s`, l.ph(1), l.ph(2), l.ph(3))
	if _, err := tx.ExecContext(ctx, update, newUsed, l.nowFn(), id); err != nil {
		return TrackResult{}, fmt.Errorf("credits: update counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TrackResult{}, fmt.Errorf("credits: commit: %w", err)
	}

	if newUsed >= WarningThreshold && l.log != nil {
		l.log.Warn(ctx, "pro credit usage crossed warning threshold",
			"pro_key", proKey, "month", month, "credits_used", newUsed, "warning_threshold", WarningThreshold)
	}

	return TrackResult{
		Allowed:          true,
		CurrentUsage:     newUsed,
		LimitReached:     false,
		WarningThreshold: WarningThreshold,
		UseFallback:      false,
	}, nil
}

// Usage returns the current month's usage snapshot for proKey. A key with
// no usage yet this month reports zero used credits.
func (l *Ledger) Usage(ctx context.Context, proKey string) (UsageResult, error) {
	month := currentMonth(l.nowFn())

	var used int
	q := fmt.Sprintf(`SELECT sonnet_requests FROM pro_usage WHERE pro_key = %s AND month_year = %s`, l.ph(1), l.ph(2))
	err := l.db.QueryRowContext(ctx, q, proKey, month).Scan(&used)
	if err == sql.ErrNoRows {
		used = 0
	} else if err != nil {
		return UsageResult{}, fmt.Errorf("credits: usage lookup: %w", err)
	}

	return UsageResult{
		Month:       month,
		CreditsUsed: used,
		Limit:       MonthlyLimit,
		Remaining:   MonthlyLimit - used,
	}, nil
}
