package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// QuotaStore abstracts DB queries for testability.
type QuotaStore interface {
	UpsertMonthlyQuota(ctx context.Context, userID, month string, allowance int) error
	SpendCredit(ctx context.Context, userID, month string) (remaining int, err error)
}

// sqlQuotaStore is the real implementation using *sql.DB.
type sqlQuotaStore struct {
	db *sql.DB
}

func (s *sqlQuotaStore) UpsertMonthlyQuota(ctx context.Context, userID, month string, allowance int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credit_quotas (user_id, month, credits_allowed, credits_remaining)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, month) DO NOTHING
	`, userID, month, allowance)
	return err
}

func (s *sqlQuotaStore) SpendCredit(ctx context.Context, userID, month string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE user_credit_quotas
		SET credits_remaining = credits_remaining - 1,
		    updated_at = now()
		WHERE user_id = $1 AND month = $2 AND credits_remaining > 0
		RETURNING credits_remaining
	`, userID, month)

	var remaining int
	if err := row.Scan(&remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

// PostgresLedger backs the credit ledger with the user_credit_quotas table.
// The spend is a single conditional UPDATE, so concurrent spends for the
// same user serialize in the database rather than in this process.
type PostgresLedger struct {
	store     QuotaStore
	allowance int
	logger    *zap.Logger
	now       func() time.Time
}

// PostgresLedgerConfig configures the PostgresLedger.
type PostgresLedgerConfig struct {
	DB               *sql.DB
	MonthlyAllowance int
	Logger           *zap.Logger
}

// NewPostgresLedger creates a new PostgresLedger.
func NewPostgresLedger(cfg PostgresLedgerConfig) *PostgresLedger {
	allowance := cfg.MonthlyAllowance
	if allowance == 0 {
		allowance = 500
	}
	return &PostgresLedger{
		store:     &sqlQuotaStore{db: cfg.DB},
		allowance: allowance,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// newPostgresLedgerWithStore creates a ledger with a custom store (for testing).
func newPostgresLedgerWithStore(store QuotaStore, allowance int, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{
		store:     store,
		allowance: allowance,
		logger:    logger,
		now:       time.Now,
	}
}

// currentMonth formats the ledger's month key, e.g. "2026-08".
func (l *PostgresLedger) currentMonth() string {
	return l.now().UTC().Format("2006-01")
}

// EnsureMonthlyQuota implements Ledger.
func (l *PostgresLedger) EnsureMonthlyQuota(ctx context.Context, userID string) error {
	if err := l.store.UpsertMonthlyQuota(ctx, userID, l.currentMonth(), l.allowance); err != nil {
		return fmt.Errorf("ensure monthly quota: %w", err)
	}
	return nil
}

// TrySpendCredit implements Ledger. sql.ErrNoRows from the conditional
// UPDATE means the balance is zero — denial, not an infrastructure error.
func (l *PostgresLedger) TrySpendCredit(ctx context.Context, userID string) (int, bool, error) {
	remaining, err := l.store.SpendCredit(ctx, userID, l.currentMonth())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			l.logger.Info("credit spend denied",
				zap.String("user_id", userID),
			)
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("spend credit: %w", err)
	}
	return remaining, true, nil
}
