package pgstore

import (
	"context"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	values []int64
	err    error
}

func (row *fakeRow) Scan(dest ...any) error {
	if row.err != nil {
		return row.err
	}
	for index, value := range row.values {
		target, ok := dest[index].(*int64)
		if !ok {
			continue
		}
		*target = value
	}
	return nil
}

type fakeQuerier struct {
	statements []string
	row        pgx.Row
}

func (querier *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	querier.statements = append(querier.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (querier *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	querier.statements = append(querier.statements, sql)
	return nil, pgx.ErrNoRows
}

func (querier *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	querier.statements = append(querier.statements, sql)
	return querier.row
}

func chargeFor(userID string, amount int64) wallet.Entry {
	return wallet.Entry{
		UserID:           userID,
		Type:             wallet.EntryCharge,
		AmountMinorUnits: amount,
		Currency:         "USD",
		CreatedUnixUTC:   1_700_000_000,
	}
}

func TestReserveChargeTakesUserLockFirst(test *testing.T) {
	test.Parallel()
	querier := &fakeQuerier{row: &fakeRow{values: []int64{1000, 7}}}
	store := &Store{db: querier}

	attempt, err := store.InsertChargeIfBalance(context.Background(), chargeFor("user-1", 700))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if len(querier.statements) != 2 {
		test.Fatalf("expected lock then reserve, got %d statements", len(querier.statements))
	}
	if !strings.Contains(querier.statements[0], "pg_advisory_xact_lock") {
		test.Fatalf("first statement must take the advisory lock, got %q", querier.statements[0])
	}
	if querier.statements[1] != sqlReserveCharge {
		test.Fatalf("second statement must be the gated insert")
	}
	if !attempt.Inserted || attempt.EntryID != 7 {
		test.Fatalf("expected inserted entry 7, got %+v", attempt)
	}
	if attempt.BalanceBefore != 1000 || attempt.BalanceAfter != 300 {
		test.Fatalf("unexpected balances before=%d after=%d", attempt.BalanceBefore, attempt.BalanceAfter)
	}
}

func TestReserveChargeDeclinedWhenNothingInserted(test *testing.T) {
	test.Parallel()
	querier := &fakeQuerier{row: &fakeRow{values: []int64{100, 0}}}
	store := &Store{db: querier}

	attempt, err := store.InsertChargeIfBalance(context.Background(), chargeFor("user-2", 700))
	if err != nil {
		test.Fatalf("declined reserve must not error: %v", err)
	}
	if attempt.Inserted {
		test.Fatalf("expected decline")
	}
	if attempt.BalanceBefore != 100 || attempt.BalanceAfter != 100 {
		test.Fatalf("declined reserve must leave the balance untouched, got %+v", attempt)
	}
}
