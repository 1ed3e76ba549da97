package trading

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/trading-ledger/internal/accounts"
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/ksred/trading-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles order intake and execution
type Service struct {
	gormDB   *gorm.DB
	db       *Database
	accounts *accounts.Database
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB:   gormDB,
		db:       NewDatabase(gormDB),
		accounts: accounts.NewDatabase(gormDB),
	}
}

// CreateOrder validates and persists a new PENDING order. The caller's
// client_order_id is the idempotency key: if an order with the same key
// already exists the existing order is returned unchanged and no row is
// written. The race between two first-time submissions of the same key is
// closed by the unique constraint on client_order_id, not by a pre-check.
func (s *Service) CreateOrder(accountID string, req *types.CreateOrderRequest) (*types.Order, error) {
	side := strings.ToUpper(req.OrderType)

	if req.ClientOrderID == "" {
		return nil, &ValidationError{Field: "client_order_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if side != types.SideBuy && side != types.SideSell {
		return nil, &ValidationError{Field: "order_type", Reason: "must be BUY or SELL"}
	}
	if req.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if !req.Price.IsPositive() {
		return nil, &ValidationError{Field: "price", Reason: "must be positive"}
	}

	account, err := s.accounts.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, &ValidationError{Field: "account_id", Reason: "account not found"}
	}

	order := &types.Order{
		OrderID:       uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		AccountID:     accountID,
		Symbol:        strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:          side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        types.OrderPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := s.db.CreateOrder(order); err != nil {
		if isDuplicateKey(err) {
			existing, lookupErr := s.db.GetOrderByClientOrderID(req.ClientOrderID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing == nil {
				return nil, err
			}
			log.Debug().
				Str("client_order_id", req.ClientOrderID).
				Str("order_id", existing.OrderID).
				Msg("duplicate order submission, returning existing order")
			return existing, nil
		}
		return nil, err
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("account_id", accountID).
		Str("side", order.Side).
		Str("symbol", order.Symbol).
		Int64("quantity", order.Quantity).
		Str("price", order.Price.String()).
		Msg("order created")

	return order, nil
}

// GetOrder retrieves an order by its ID
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// GetOrderHistory retrieves all orders for an account, newest first
func (s *Service) GetOrderHistory(accountID string) ([]types.Order, error) {
	return s.db.GetOrdersByAccount(accountID)
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to submit new orders
// URL parameter: account_id
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		var req types.CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(accountID, &req)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				response.BadRequest(c, verr.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests to retrieve a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		order, err := h.service.GetOrder(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// GetOrderHistoryHandler handles GET requests for an account's order history
// URL parameter: account_id
func (h *GinHandlers) GetOrderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")

		orders, err := h.service.GetOrderHistory(accountID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, orders)
	}
}

// ExecuteOrderHandler handles POST requests to execute a pending order
// URL parameter: order_id
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		order, err := h.service.ExecuteOrder(orderID)
		switch {
		case err == nil:
			response.Success(c, order)
		case errors.Is(err, ErrOrderNotFound):
			response.NotFound(c, "Order not found")
		case errors.Is(err, ErrOrderRejected):
			response.UnprocessableEntity(c, order, err.Error())
		case errors.Is(err, ErrConflict):
			response.Conflict(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
	}
}
