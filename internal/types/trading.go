package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order lifecycle states. EXECUTED and FAILED are terminal: once reached,
// the order is immutable.
const (
	OrderPending   = "PENDING"
	OrderExecuting = "EXECUTING"
	OrderExecuted  = "EXECUTED"
	OrderFailed    = "FAILED"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// AssetCash is the asset code used for cash ledger entries. Every other
// asset code is a position symbol.
const AssetCash = "CASH"

// Account holds the current cash balance for a trading account.
// The balance is mutated only inside an execution transaction.
type Account struct {
	gorm.Model  `json:"-"`
	AccountID   string          `gorm:"uniqueIndex" json:"account_id"`
	Name        string          `gorm:"uniqueIndex" json:"name"`
	CashBalance decimal.Decimal `gorm:"type:decimal(18,5)" json:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Position is the (account, symbol) holding. A position row is created on
// first acquisition of a symbol and deleted when its quantity reaches zero.
type Position struct {
	gorm.Model  `json:"-"`
	AccountID   string          `gorm:"uniqueIndex:idx_account_symbol" json:"account_id"`
	Symbol      string          `gorm:"uniqueIndex:idx_account_symbol" json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `gorm:"type:decimal(18,5)" json:"average_cost"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// Declares the foreign key back to accounts.account_id; emitted into the
	// table definition at migration.
	Account *Account `gorm:"foreignKey:AccountID;references:AccountID" json:"-"`
}

// Order is a request to trade. ClientOrderID is the caller-supplied
// idempotency key and is unique across the whole system.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string          `gorm:"uniqueIndex" json:"order_id"`
	ClientOrderID string          `gorm:"uniqueIndex" json:"client_order_id"`
	AccountID     string          `gorm:"index" json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // BUY or SELL
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(18,5)" json:"price"`
	Status        string          `json:"status"` // PENDING, EXECUTING, EXECUTED, FAILED
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Account *Account `gorm:"foreignKey:AccountID;references:AccountID" json:"-"`
}

// Terminal reports whether the order has reached a final state.
func (o *Order) Terminal() bool {
	return o.Status == OrderExecuted || o.Status == OrderFailed
}

// LedgerEntry records a single signed asset movement. Entries are append-only
// and never updated or deleted; the ledger is the audit trail from which every
// balance and position can be reconstructed.
type LedgerEntry struct {
	gorm.Model  `json:"-"`
	EntryID     string          `gorm:"uniqueIndex" json:"entry_id"`
	AccountID   string          `gorm:"index" json:"account_id"`
	OrderID     string          `gorm:"index" json:"order_id,omitempty"`
	Asset       string          `json:"asset"` // CASH or a position symbol
	Amount      decimal.Decimal `gorm:"type:decimal(18,5)" json:"amount"`
	Balance     decimal.Decimal `gorm:"type:decimal(18,5)" json:"balance"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`

	Account *Account `gorm:"foreignKey:AccountID;references:AccountID" json:"-"`
}
