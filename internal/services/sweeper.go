package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/storage"
)

// SweepResult summarizes one pass over the due obligations.
type SweepResult struct {
	Checked int
	Settled int
	// Skipped counts rows that stopped being due, or were settled by someone else, between
	// the listing and the settlement.
	Skipped int
	Failed  int
}

// Sweeper realizes every obligation that is due. Each obligation advances at most one
// period per sweep; missed periods are not backfilled.
type Sweeper struct {
	settler
	log *applog.Logger
}

func NewSweeper(store storage.Store, publisher EventPublisher, m *metrics.Metrics) *Sweeper {
	logger := applog.Default(applog.ComponentSweep)
	return &Sweeper{
		settler: settler{
			store:     store,
			publisher: publisher,
			metrics:   m,
			logger:    applog.NewStructuredLogger(logger),
		},
		log: logger,
	}
}

// Sweep settles the obligations due on or before today with origin auto. A failure on one
// obligation is logged and counted; the sweep carries on with the rest. The returned error
// is non-nil only when the due list cannot be read or ctx is done.
func (s *Sweeper) Sweep(ctx context.Context, today core.Date) (SweepResult, error) {
	start := time.Now()
	defer s.metrics.ObserveSweep(start)

	var result SweepResult
	due, err := s.store.ListDueObligations(ctx, today)
	if err != nil {
		return result, translateStoreError("list due obligations", err)
	}

	s.log.InfoContext(ctx, "Starting sweep",
		applog.FieldSweepDate, today.String(),
		"due", len(due))

	for _, o := range due {
		if err := ctx.Err(); err != nil {
			s.log.WarnContext(ctx, "Sweep interrupted", applog.FieldError, err, "checked", result.Checked)
			return result, err
		}
		result.Checked++

		_, err := s.settle(ctx, storage.SettleRequest{
			ObligationID: o.ID,
			On:           today,
			Origin:       core.OriginAuto,
			OnlyIfDue:    true,
		})
		switch {
		case err == nil:
			result.Settled++
		case errors.Is(err, storage.ErrNotDue), errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
			result.Skipped++
			s.metrics.IncrementSweepSkipped()
			s.log.DebugContext(ctx, "Obligation skipped",
				append(applog.NewFields().WithObligation(o).ToSlice(), "reason", err.Error())...)
		default:
			result.Failed++
			s.log.ErrorContext(ctx, "Failed to settle due obligation",
				applog.NewFields().WithObligation(o).WithOperation(applog.OpSweep).WithError(err).ToSlice()...)
		}
	}

	s.log.InfoContext(ctx, "Sweep completed",
		applog.FieldSweepDate, today.String(),
		"checked", result.Checked,
		"settled", result.Settled,
		"skipped", result.Skipped,
		"failed", result.Failed,
		applog.FieldDurationHuman, time.Since(start).String())
	return result, nil
}

func (r SweepResult) String() string {
	return fmt.Sprintf("checked=%d settled=%d skipped=%d failed=%d", r.Checked, r.Settled, r.Skipped, r.Failed)
}
