// Package storage defines the persistence contract shared by the SQLite and Postgres backends.
package storage

import (
	"context"
	"errors"

	"fintrack/internal/core"
)

// Sentinel errors returned (optionally wrapped) by Store implementations.
// Services translate them into domain errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
	ErrNotDue   = errors.New("obligation not due")
)

// SettleRequest describes one settlement attempt.
type SettleRequest struct {
	ObligationID int64
	// UserID restricts the lookup to obligations owned by this user. Empty means any owner.
	UserID string
	// On is the realization date written on the expense.
	On     core.Date
	Origin core.Origin
	// OnlyIfDue makes the store re-check, under lock, that the obligation is due on On.
	// A row that is no longer due yields ErrNotDue and no writes.
	OnlyIfDue bool
}

// Store is implemented by every backend. Settle must insert the realized expense and
// advance the obligation in a single transaction that is serialized per obligation.
type Store interface {
	CreateObligation(ctx context.Context, o core.Obligation) (int64, error)
	GetObligation(ctx context.Context, id int64, userID string) (core.Obligation, error)
	ListObligations(ctx context.Context, userID string) ([]core.Obligation, error)
	ListDueObligations(ctx context.Context, asOf core.Date) ([]core.Obligation, error)
	Settle(ctx context.Context, req SettleRequest) (core.Settlement, error)

	ListExpenses(ctx context.Context, userID string) ([]core.RealizedExpense, error)

	ListCategories(ctx context.Context) ([]core.Category, error)
	CategoryExists(ctx context.Context, id int64) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
