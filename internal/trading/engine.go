package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/trading-ledger/internal/accounts"
	"github.com/ksred/trading-ledger/internal/ledger"
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	maxExecuteAttempts = 3
	executeRetryDelay  = 100 * time.Millisecond
)

// ExecuteOrder drives an order to a terminal state. It is idempotent: calling
// it on an already-terminal order returns the recorded outcome without
// touching balances, and concurrent calls for the same order run the
// financial logic exactly once. Transient conflicts are retried a bounded
// number of times before being surfaced as ErrConflict.
func (s *Service) ExecuteOrder(orderID string) (*types.Order, error) {
	var order *types.Order
	var err error

	for attempt := 0; attempt < maxExecuteAttempts; attempt++ {
		order, err = s.executeOnce(orderID)
		if err == nil || !errors.Is(err, ErrConflict) {
			return order, err
		}

		log.Debug().
			Str("order_id", orderID).
			Int("attempt", attempt+1).
			Msg("execution conflict, backing off")
		time.Sleep(executeRetryDelay * time.Duration(attempt+1))
	}

	return order, err
}

// executeOnce performs one attempt at the execution transaction:
// claim the order, lock the account row then the position row, re-validate
// under lock, apply the deltas, write the balanced ledger entries, and move
// the order to its terminal state. Any storage fault rolls the whole unit
// back, including the claim.
func (s *Service) executeOnce(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Terminal() {
		return order, terminalError(order)
	}

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("account_id", order.AccountID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Logger()

	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return nil, mapStorageError(err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	claimed, err := claimOrder(tx, order.OrderID)
	if err != nil {
		tx.Rollback()
		return nil, mapStorageError(err)
	}
	if !claimed {
		tx.Rollback()
		current, err := s.db.GetOrder(orderID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.Terminal() {
			return current, terminalError(current)
		}
		// Claimed by a concurrent caller whose transaction is still open.
		return nil, ErrConflict
	}

	// Lock order is fixed: account row first, then the position row.
	account, err := accounts.AccountForUpdate(tx, order.AccountID)
	if err != nil {
		tx.Rollback()
		return nil, mapStorageError(err)
	}
	if account == nil {
		tx.Rollback()
		return nil, fmt.Errorf("account %s not found for order %s", order.AccountID, order.OrderID)
	}

	total := order.Price.Mul(decimal.NewFromInt(order.Quantity))

	var entries []ledger.Entry

	switch order.Side {
	case types.SideBuy:
		if account.CashBalance.LessThan(total) {
			return s.failOrder(tx, order, ReasonInsufficientFunds)
		}

		position, err := accounts.PositionForUpdate(tx, order.AccountID, order.Symbol)
		if err != nil {
			tx.Rollback()
			return nil, mapStorageError(err)
		}

		account.CashBalance = account.CashBalance.Sub(total)

		if position == nil {
			position = &types.Position{
				AccountID:   order.AccountID,
				Symbol:      order.Symbol,
				Quantity:    order.Quantity,
				AverageCost: order.Price,
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			}
			if err := tx.Create(position).Error; err != nil {
				tx.Rollback()
				return nil, mapStorageError(err)
			}
		} else {
			held := decimal.NewFromInt(position.Quantity)
			bought := decimal.NewFromInt(order.Quantity)
			position.AverageCost = position.AverageCost.Mul(held).Add(total).
				DivRound(held.Add(bought), 5)
			position.Quantity += order.Quantity
			position.UpdatedAt = time.Now()
			if err := tx.Save(position).Error; err != nil {
				tx.Rollback()
				return nil, mapStorageError(err)
			}
		}

		entries = []ledger.Entry{
			{
				AccountID:   order.AccountID,
				Asset:       types.AssetCash,
				Amount:      total.Neg(),
				Value:       total.Neg(),
				Balance:     account.CashBalance,
				Description: orderDescription(order),
			},
			{
				AccountID:   order.AccountID,
				Asset:       order.Symbol,
				Amount:      decimal.NewFromInt(order.Quantity),
				Value:       total,
				Balance:     decimal.NewFromInt(position.Quantity),
				Description: orderDescription(order),
			},
		}

	case types.SideSell:
		position, err := accounts.PositionForUpdate(tx, order.AccountID, order.Symbol)
		if err != nil {
			tx.Rollback()
			return nil, mapStorageError(err)
		}
		if position == nil || position.Quantity < order.Quantity {
			return s.failOrder(tx, order, ReasonInsufficientHoldings)
		}

		account.CashBalance = account.CashBalance.Add(total)
		position.Quantity -= order.Quantity
		position.UpdatedAt = time.Now()

		if position.Quantity == 0 {
			// Hard delete. A soft delete would leave the row occupying the
			// unique (account_id, symbol) slot and block re-buying the symbol.
			if err := tx.Unscoped().Delete(position).Error; err != nil {
				tx.Rollback()
				return nil, mapStorageError(err)
			}
		} else {
			if err := tx.Save(position).Error; err != nil {
				tx.Rollback()
				return nil, mapStorageError(err)
			}
		}

		entries = []ledger.Entry{
			{
				AccountID:   order.AccountID,
				Asset:       types.AssetCash,
				Amount:      total,
				Value:       total,
				Balance:     account.CashBalance,
				Description: orderDescription(order),
			},
			{
				AccountID:   order.AccountID,
				Asset:       order.Symbol,
				Amount:      decimal.NewFromInt(order.Quantity).Neg(),
				Value:       total.Neg(),
				Balance:     decimal.NewFromInt(position.Quantity),
				Description: orderDescription(order),
			},
		}

	default:
		tx.Rollback()
		return nil, fmt.Errorf("order %s has unknown side %q", order.OrderID, order.Side)
	}

	account.UpdatedAt = time.Now()
	if err := tx.Save(account).Error; err != nil {
		tx.Rollback()
		return nil, mapStorageError(err)
	}

	if err := ledger.Record(tx, order.OrderID, entries); err != nil {
		tx.Rollback()
		return nil, err
	}

	order.Status = types.OrderExecuted
	order.UpdatedAt = time.Now()
	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return nil, mapStorageError(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, mapStorageError(err)
	}

	logger.Info().
		Str("total", total.String()).
		Str("cash_balance", account.CashBalance.String()).
		Msg("order executed")

	return order, nil
}

// failOrder records a business-rule rejection: the order moves to FAILED with
// its reason and the transaction commits with zero balance, position or
// ledger mutation. The commit includes the claim, so the terminal state
// sticks.
func (s *Service) failOrder(tx *gorm.DB, order *types.Order, reason string) (*types.Order, error) {
	order.Status = types.OrderFailed
	order.FailureReason = reason
	order.UpdatedAt = time.Now()

	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return nil, mapStorageError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return nil, mapStorageError(err)
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("reason", reason).
		Msg("order failed validation under lock")

	return order, fmt.Errorf("%w: %s", ErrOrderRejected, reason)
}

// terminalError maps an already-terminal order to the same result its first
// execution produced, so replays are indistinguishable from the original call.
func terminalError(order *types.Order) error {
	if order.Status == types.OrderFailed {
		return fmt.Errorf("%w: %s", ErrOrderRejected, order.FailureReason)
	}
	return nil
}

func orderDescription(order *types.Order) string {
	return fmt.Sprintf("%s %d %s", order.Side, order.Quantity, order.Symbol)
}

// mapStorageError turns lock-wait failures into the retryable ErrConflict;
// everything else propagates as a hard storage fault.
func mapStorageError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
