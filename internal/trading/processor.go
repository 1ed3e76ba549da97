package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/trading-ledger/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor sweeps orders that were created but never driven to a terminal
// state, for example when the caller crashed between create and execute.
// Because execution is idempotent and claim-guarded, the sweep can safely
// race with late caller retries.
type Processor struct {
	service      *Service
	processDelay time.Duration // Time between sweep attempts
	minAge       time.Duration // Only orders at least this old are swept
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		processDelay: 5 * time.Minute,
		minAge:       15 * time.Minute,
	}
}

// Start begins the pending-order sweep loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_processor").Logger()
	logger.Info().Msg("starting pending order processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down pending order processor")
			return
		case <-ticker.C:
			if err := p.processStaleOrders(); err != nil {
				logger.Error().Err(err).Msg("failed to process stale orders")
			}
		}
	}
}

func (p *Processor) processStaleOrders() error {
	logger := log.With().Str("component", "order_processor").Logger()

	orders, err := p.service.db.GetStaleOrders(types.OrderPending, time.Now().Add(-p.minAge))
	if err != nil {
		return err
	}

	if len(orders) == 0 {
		return nil
	}
	logger.Info().Int("stale_count", len(orders)).Msg("sweeping stale pending orders")

	for _, order := range orders {
		result, err := p.service.ExecuteOrder(order.OrderID)
		switch {
		case err == nil:
			logger.Info().
				Str("order_id", order.OrderID).
				Str("status", result.Status).
				Msg("stale order executed")
		case errors.Is(err, ErrOrderRejected):
			logger.Info().
				Str("order_id", order.OrderID).
				Str("reason", result.FailureReason).
				Msg("stale order rejected")
		case errors.Is(err, ErrConflict):
			// A caller beat the sweep to it; the next pass will skip it.
			continue
		default:
			logger.Error().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("failed to execute stale order")
		}
	}

	return nil
}
