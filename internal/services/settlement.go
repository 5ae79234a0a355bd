package services

import (
	"context"
	"errors"
	"time"

	"fintrack/internal/amqp"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/storage"
)

// EventPublisher announces committed settlements. Implemented by *amqp.Client.
type EventPublisher interface {
	PublishExpenseRealized(ctx context.Context, msg *amqp.ExpenseRealizedMessage) error
}

// settler runs one settlement against the store and handles everything that happens
// after the commit. Shared by the manual path and the sweep.
type settler struct {
	store     storage.Store
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *applog.StructuredLogger
}

func (s *settler) settle(ctx context.Context, req storage.SettleRequest) (core.Settlement, error) {
	start := time.Now()
	settlement, err := s.store.Settle(ctx, req)
	if !errors.Is(err, storage.ErrNotDue) {
		s.metrics.ObserveSettlement(req.Origin, start, err)
	}
	if err != nil {
		return core.Settlement{}, err
	}

	s.logger.LogSettlement(ctx, settlement)
	s.publish(ctx, settlement)
	return settlement, nil
}

// publish is best effort. The settlement is already durable, so a broker outage must not
// surface as a failed settlement.
func (s *settler) publish(ctx context.Context, settlement core.Settlement) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishExpenseRealized(ctx, amqp.NewExpenseRealizedMessage(settlement)); err != nil {
		s.logger.LogError(ctx, "Failed to publish expense realized event", err, applog.OpPublish,
			applog.NewFields().WithSettlement(settlement))
	}
}

// translateStoreError maps backend sentinels onto the domain taxonomy. Input is validated
// before it reaches the store, so a bad frequency coming back from it is corrupt data.
func translateStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return core.ErrNotFound
	case core.IsValidation(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &core.StorageError{Op: op, Err: err}
	}
}
