package accounts

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/trading-ledger/internal/ledger"
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/ksred/trading-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrNegativeOpeningBalance = errors.New("opening balance must not be negative")

// Service handles account lifecycle and read-side queries. All balance and
// position mutation happens in the execution engine, never here.
type Service struct {
	gormDB *gorm.DB
	db     *Database
	ledger *ledger.Database
}

// NewService creates a new accounts service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
		ledger: ledger.NewDatabase(gormDB),
	}
}

// CreateAccount opens a new account and records its opening balance as a
// funding ledger entry, both inside one transaction.
func (s *Service) CreateAccount(name string, openingBalance decimal.Decimal) (*types.Account, error) {
	if openingBalance.IsNegative() {
		return nil, ErrNegativeOpeningBalance
	}

	account := &types.Account{
		AccountID:   uuid.New().String(),
		Name:        name,
		CashBalance: openingBalance,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(account).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if openingBalance.IsPositive() {
		if err := ledger.RecordFunding(tx, account.AccountID, openingBalance, openingBalance, "Initial account funding"); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	log.Info().
		Str("account_id", account.AccountID).
		Str("opening_balance", openingBalance.String()).
		Msg("account created")

	return account, nil
}

// GetAccount retrieves an account by its public ID
func (s *Service) GetAccount(accountID string) (*types.Account, error) {
	return s.db.GetAccount(accountID)
}

// GetPositions retrieves all open positions for an account
func (s *Service) GetPositions(accountID string) ([]types.Position, error) {
	return s.db.GetPositions(accountID)
}

// GetLedger retrieves the full ledger history for an account, oldest first
func (s *Service) GetLedger(accountID string) ([]types.LedgerEntry, error) {
	return s.ledger.GetEntriesByAccount(accountID)
}

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for account endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateAccountHandler handles POST requests to open new accounts
func (h *GinHandlers) CreateAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CreateAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.CreateAccount(req.Name, req.OpeningBalance)
		if err != nil {
			if errors.Is(err, ErrNegativeOpeningBalance) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, account)
	}
}

// GetBalanceHandler handles GET requests for an account's cash balance
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		account, err := h.service.GetAccount(accountID)
		if err != nil || account == nil {
			response.NotFound(c, "Account not found")
			return
		}

		response.Success(c, types.BalanceResponse{
			AccountID:   account.AccountID,
			CashBalance: account.CashBalance,
		})
	}
}

// GetPositionsHandler handles GET requests for an account's open positions
func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		account, err := h.service.GetAccount(accountID)
		if err != nil || account == nil {
			response.NotFound(c, "Account not found")
			return
		}

		positions, err := h.service.GetPositions(accountID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, positions)
	}
}

// GetLedgerHandler handles GET requests for an account's ledger history
func (h *GinHandlers) GetLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		account, err := h.service.GetAccount(accountID)
		if err != nil || account == nil {
			response.NotFound(c, "Account not found")
			return
		}

		entries, err := h.service.GetLedger(accountID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, entries)
	}
}
