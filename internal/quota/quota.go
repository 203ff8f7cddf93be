// Package quota talks to the monthly credit ledger. The dispatch core
// treats the ledger as an external, atomic collaborator: it only ever
// ensures the current month's row exists and attempts a single spend.
package quota

import "context"

// Ledger is the credit ledger contract consumed by the tool runtime.
type Ledger interface {
	// EnsureMonthlyQuota creates the current month's quota row for the user
	// if it does not exist yet. Idempotent.
	EnsureMonthlyQuota(ctx context.Context, userID string) error

	// TrySpendCredit atomically deducts one credit. ok=false means the user
	// has no credits left this month; err is reserved for infrastructure
	// failures and must never be used to signal denial.
	TrySpendCredit(ctx context.Context, userID string) (remaining int, ok bool, err error)
}

// StaticLedger grants unlimited credits. Development fallback when no
// Postgres DSN is configured.
type StaticLedger struct{}

func NewStaticLedger() *StaticLedger {
	return &StaticLedger{}
}

func (l *StaticLedger) EnsureMonthlyQuota(_ context.Context, _ string) error {
	return nil
}

func (l *StaticLedger) TrySpendCredit(_ context.Context, _ string) (int, bool, error) {
	return 1_000_000, true, nil
}
