package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrUnbalanced means an entry set violates the double-entry invariant.
// This is an engine bug, never a business condition: the write is aborted
// and nothing is persisted.
var ErrUnbalanced = errors.New("ledger entries do not balance")

// Entry is one leg of a ledger write. Amount is the signed movement in the
// entry's asset (cash for CASH legs, share count for symbol legs). Value is
// the signed cash-equivalent of the movement; the legs of one order must
// have Values summing to exactly zero.
type Entry struct {
	AccountID   string
	Asset       string
	Amount      decimal.Decimal
	Value       decimal.Decimal
	Balance     decimal.Decimal
	Description string
}

// Record appends the balanced entry set produced by one order execution.
// It must be called inside the execution engine's transaction so the entries
// commit or roll back together with the balance and position mutations.
func Record(tx *gorm.DB, orderID string, entries []Entry) error {
	if len(entries) < 2 {
		return ErrUnbalanced
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Value)
	}
	if !sum.IsZero() {
		return ErrUnbalanced
	}

	for _, e := range entries {
		row := types.LedgerEntry{
			EntryID:     uuid.New().String(),
			AccountID:   e.AccountID,
			OrderID:     orderID,
			Asset:       e.Asset,
			Amount:      e.Amount,
			Balance:     e.Balance,
			Description: e.Description,
			CreatedAt:   time.Now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}

	return nil
}

// RecordFunding appends a single CASH entry for an external deposit, such as
// the opening balance of a new account. The counterleg sits outside the
// system, so the zero-sum rule does not apply here.
func RecordFunding(tx *gorm.DB, accountID string, amount, balance decimal.Decimal, description string) error {
	row := types.LedgerEntry{
		EntryID:     uuid.New().String(),
		AccountID:   accountID,
		Asset:       types.AssetCash,
		Amount:      amount,
		Balance:     balance,
		Description: description,
		CreatedAt:   time.Now(),
	}
	return tx.Create(&row).Error
}
