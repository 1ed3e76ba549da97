package types

import "github.com/shopspring/decimal"

// CreateAccountRequest is the body for opening a new account.
// OpeningBalance is a decimal string, e.g. "1000000.00".
type CreateAccountRequest struct {
	Name           string          `json:"name" binding:"required"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// CreateOrderRequest is the body for submitting a new order.
// ClientOrderID is the caller's idempotency key; Price is a decimal string.
type CreateOrderRequest struct {
	ClientOrderID string          `json:"client_order_id" binding:"required"`
	Symbol        string          `json:"symbol" binding:"required"`
	OrderType     string          `json:"order_type" binding:"required"` // BUY or SELL
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

// BalanceResponse carries an account's current cash balance.
type BalanceResponse struct {
	AccountID   string          `json:"account_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
}
