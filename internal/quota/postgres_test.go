package quota

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockQuotaStore is a test helper.
type mockQuotaStore struct {
	upsertCalls int
	spendCalls  int
	lastUserID  string
	lastMonth   string
	upsertErr   error
	spendErr    error
	remaining   int
}

func (m *mockQuotaStore) UpsertMonthlyQuota(_ context.Context, userID, month string, _ int) error {
	m.upsertCalls++
	m.lastUserID = userID
	m.lastMonth = month
	return m.upsertErr
}

func (m *mockQuotaStore) SpendCredit(_ context.Context, userID, month string) (int, error) {
	m.spendCalls++
	m.lastUserID = userID
	m.lastMonth = month
	if m.spendErr != nil {
		return 0, m.spendErr
	}
	return m.remaining, nil
}

func TestPostgresLedger_EnsureUsesCurrentMonth(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &mockQuotaStore{}
	ledger := newPostgresLedgerWithStore(store, 500, logger)
	ledger.now = func() time.Time {
		return time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	}

	if err := ledger.EnsureMonthlyQuota(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if store.upsertCalls != 1 {
		t.Fatalf("expected 1 upsert, got %d", store.upsertCalls)
	}
	if store.lastMonth != "2026-08" {
		t.Fatalf("expected month key 2026-08, got %s", store.lastMonth)
	}
	if store.lastUserID != "u1" {
		t.Fatalf("expected user u1, got %s", store.lastUserID)
	}
}

func TestPostgresLedger_SpendSuccess(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &mockQuotaStore{remaining: 41}
	ledger := newPostgresLedgerWithStore(store, 500, logger)

	remaining, ok, err := ledger.TrySpendCredit(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected spend to be granted")
	}
	if remaining != 41 {
		t.Fatalf("expected 41 remaining, got %d", remaining)
	}
}

func TestPostgresLedger_SpendDenied(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	// The conditional UPDATE matches no row when the balance is zero.
	store := &mockQuotaStore{spendErr: sql.ErrNoRows}
	ledger := newPostgresLedgerWithStore(store, 500, logger)

	_, ok, err := ledger.TrySpendCredit(context.Background(), "u1")
	if err != nil {
		t.Fatalf("denial must not surface as an error: %v", err)
	}
	if ok {
		t.Fatal("expected denial")
	}
}

func TestPostgresLedger_SpendInfrastructureError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &mockQuotaStore{spendErr: errors.New("connection refused")}
	ledger := newPostgresLedgerWithStore(store, 500, logger)

	_, ok, err := ledger.TrySpendCredit(context.Background(), "u1")
	if err == nil {
		t.Fatal("infrastructure failures must surface as errors, not denials")
	}
	if ok {
		t.Fatal("expected ok=false on error")
	}
}

func TestStaticLedger_AlwaysGrants(t *testing.T) {
	ledger := NewStaticLedger()
	if err := ledger.EnsureMonthlyQuota(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := ledger.TrySpendCredit(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("static ledger must always grant, got ok=%v err=%v", ok, err)
	}
}
