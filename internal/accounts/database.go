package accounts

import (
	"errors"

	"github.com/ksred/trading-ledger/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAccount(account *types.Account) error {
	return d.db.Create(account).Error
}

func (d *Database) GetAccount(accountID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) GetPositions(accountID string) ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Where("account_id = ?", accountID).Order("symbol asc").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// AccountForUpdate reads an account row under an exclusive row lock. Only the
// execution engine calls this, always inside its transaction; the lock is held
// until the transaction commits or rolls back.
func AccountForUpdate(tx *gorm.DB, accountID string) (*types.Account, error) {
	var account types.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// PositionForUpdate reads a position row under an exclusive row lock.
// Returns nil without error when the account holds no position in the symbol.
func PositionForUpdate(tx *gorm.DB, accountID, symbol string) (*types.Position, error) {
	var position types.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}
