// Package ledger builds and audits the append-only cash ledger. The ledger
// is the source of truth for a participant's cash; Portfolio.Cash is a
// projection that must always equal the replayed balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/model"
)

var (
	ErrChainBroken     = errors.New("ledger: balance chain broken")
	ErrBalanceMismatch = errors.New("ledger: replayed balance does not match portfolio cash")
)

// Head is the tail of one account's chain: the last sequence number written
// and the balance after it.
type Head struct {
	Seq     int64
	Balance decimal.Decimal
}

// Append builds the next entry after h and returns it with the new head.
func Append(h Head, competitionID, userID string, typ model.LedgerType, amount decimal.Decimal,
	description, referenceID string, at time.Time) (model.LedgerEntry, Head) {
	balance := h.Balance.Add(amount)
	e := model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        userID,
		CompetitionID: competitionID,
		Seq:           h.Seq + 1,
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  balance,
		Description:   description,
		ReferenceID:   referenceID,
		Timestamp:     at,
	}
	return e, Head{Seq: e.Seq, Balance: balance}
}

// Replay sums entries in order, checking every BalanceAfter link and the
// sequence numbering, and returns the reconstructed balance.
func Replay(entries []model.LedgerEntry) (decimal.Decimal, error) {
	balance := decimal.Zero
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			return decimal.Zero, fmt.Errorf("%w: entry %s has seq %d, want %d", ErrChainBroken, e.ID, e.Seq, i+1)
		}
		balance = balance.Add(e.Amount)
		if !balance.Equal(e.BalanceAfter) {
			return decimal.Zero, fmt.Errorf("%w: entry %d balance_after %s, replayed %s",
				ErrChainBroken, e.Seq, e.BalanceAfter, balance)
		}
		if balance.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: entry %d leaves negative balance %s", ErrChainBroken, e.Seq, balance)
		}
	}
	return balance, nil
}

// HeadOf returns the head after entries, which must already be in order.
func HeadOf(entries []model.LedgerEntry) Head {
	if len(entries) == 0 {
		return Head{}
	}
	last := entries[len(entries)-1]
	return Head{Seq: last.Seq, Balance: last.BalanceAfter}
}

// Reader is the ledger read side of the store.
type Reader interface {
	ListLedgerEntries(ctx context.Context, competitionID, userID string) ([]model.LedgerEntry, error)
}

// Verify replays the stored entries of one account and compares the result
// with the cached cash balance.
func Verify(ctx context.Context, r Reader, competitionID, userID string, cash decimal.Decimal) error {
	entries, err := r.ListLedgerEntries(ctx, competitionID, userID)
	if err != nil {
		return fmt.Errorf("list ledger %s/%s: %w", competitionID, userID, err)
	}
	balance, err := Replay(entries)
	if err != nil {
		return err
	}
	if !balance.Equal(cash) {
		return fmt.Errorf("%w: %s/%s ledger %s, cash %s", ErrBalanceMismatch, competitionID, userID, balance, cash)
	}
	return nil
}
