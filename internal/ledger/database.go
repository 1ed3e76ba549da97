package ledger

import (
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetEntriesByAccount(accountID string) ([]types.LedgerEntry, error) {
	var entries []types.LedgerEntry
	if err := d.db.Where("account_id = ?", accountID).Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) GetEntriesByOrder(orderID string) ([]types.LedgerEntry, error) {
	var entries []types.LedgerEntry
	if err := d.db.Where("order_id = ?", orderID).Order("id asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// SumByAsset totals the signed entry amounts for one account and asset.
// Summed in Go with decimals rather than in SQL so sqlite's numeric coercion
// never touches the values.
func (d *Database) SumByAsset(accountID, asset string) (decimal.Decimal, error) {
	entries, err := d.GetEntriesByAccount(accountID)
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, e := range entries {
		if e.Asset == asset {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}
