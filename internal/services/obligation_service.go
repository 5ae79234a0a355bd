package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"fintrack/internal/cache"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/storage"
)

const (
	defaultSettleAttempts = 3
	categoriesCacheKey    = "categories"
	categoriesCacheTTL    = 5 * time.Minute
)

// ObligationService registers, lists and manually settles recurring obligations.
type ObligationService struct {
	settler
	log      *applog.Logger
	now      func() time.Time
	loc      *time.Location
	attempts int

	// Categories are seeded by migrations and read on every form load.
	categories *cache.LRUCache[[]core.Category]
}

// Option configures an ObligationService.
type Option func(*ObligationService)

// WithClock overrides the time source used to determine "today".
func WithClock(now func() time.Time) Option {
	return func(s *ObligationService) { s.now = now }
}

// WithLocation sets the timezone in which the realization date is taken.
func WithLocation(loc *time.Location) Option {
	return func(s *ObligationService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithSettleAttempts bounds how often a manual settlement is retried after losing a race.
func WithSettleAttempts(n int) Option {
	return func(s *ObligationService) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// NewObligationService wires the service. publisher and m may be nil.
func NewObligationService(store storage.Store, publisher EventPublisher, m *metrics.Metrics, opts ...Option) *ObligationService {
	logger := applog.Default(applog.ComponentObligation)
	s := &ObligationService{
		settler: settler{
			store:     store,
			publisher: publisher,
			metrics:   m,
			logger:    applog.NewStructuredLogger(logger),
		},
		log:        logger,
		now:        time.Now,
		loc:        time.UTC,
		attempts:   defaultSettleAttempts,
		categories: cache.NewLRUCache[[]core.Category](1, categoriesCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateObligationInput is the raw registration payload. Amount and dates are kept as
// strings so parsing failures are reported per field.
type CreateObligationInput struct {
	UserID     string
	Name       string
	Amount     string
	CategoryID *int64
	StartDate  string
	Frequency  string
}

func (in CreateObligationInput) toObligation() (core.Obligation, error) {
	o := core.Obligation{
		UserID:     strings.TrimSpace(in.UserID),
		Name:       strings.TrimSpace(in.Name),
		CategoryID: in.CategoryID,
	}

	if strings.TrimSpace(in.Amount) == "" {
		return o, &core.ValidationError{Field: "amount", Reason: "is required"}
	}
	amount, err := core.MoneyFromDecimal(in.Amount)
	if err != nil {
		return o, &core.ValidationError{Field: "amount", Reason: "must be a positive decimal with at most two places"}
	}
	o.Amount = amount

	if strings.TrimSpace(in.StartDate) == "" {
		return o, &core.ValidationError{Field: "start_date", Reason: "is required"}
	}
	start, err := core.ParseDate(in.StartDate)
	if err != nil {
		return o, &core.ValidationError{Field: "start_date", Reason: "must be a date in YYYY-MM-DD format"}
	}
	o.StartDate = start
	o.NextDueDate = start

	if strings.TrimSpace(in.Frequency) == "" {
		return o, &core.ValidationError{Field: "frequency", Reason: "is required"}
	}
	freq, err := core.ParseFrequency(in.Frequency)
	if err != nil {
		return o, err
	}
	o.Frequency = freq

	return o, nil
}

// Register validates and stores a new obligation. The first due date is the start date.
func (s *ObligationService) Register(ctx context.Context, in CreateObligationInput) (int64, error) {
	o, err := in.toObligation()
	if err != nil {
		return 0, err
	}
	if err := o.Validate(); err != nil {
		return 0, err
	}

	if o.CategoryID != nil {
		ok, err := s.store.CategoryExists(ctx, *o.CategoryID)
		if err != nil {
			return 0, translateStoreError("check category", err)
		}
		if !ok {
			return 0, &core.ValidationError{Field: "category_id", Reason: "does not exist"}
		}
	}

	id, err := s.store.CreateObligation(ctx, o)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to register obligation",
			applog.FieldUserID, o.UserID,
			applog.FieldOperation, applog.OpCreate,
			applog.FieldError, err)
		return 0, translateStoreError("create obligation", err)
	}
	o.ID = id
	s.metrics.IncrementObligationCreated()

	s.log.InfoContext(ctx, "Obligation registered",
		applog.NewFields().WithObligation(o).WithOperation(applog.OpCreate).ToSlice()...)
	return id, nil
}

// List returns the user's obligations ordered by next due date.
func (s *ObligationService) List(ctx context.Context, userID string) ([]core.Obligation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &core.ValidationError{Field: "user_id", Reason: "is required"}
	}
	list, err := s.store.ListObligations(ctx, userID)
	if err != nil {
		return nil, translateStoreError("list obligations", err)
	}
	return list, nil
}

// Get returns one of the user's obligations, or core.ErrNotFound.
func (s *ObligationService) Get(ctx context.Context, userID string, id int64) (core.Obligation, error) {
	if strings.TrimSpace(userID) == "" {
		return core.Obligation{}, &core.ValidationError{Field: "user_id", Reason: "is required"}
	}
	o, err := s.store.GetObligation(ctx, id, userID)
	if err != nil {
		return core.Obligation{}, translateStoreError("get obligation", err)
	}
	return o, nil
}

// ListExpenses returns the user's realized expenses, newest first.
func (s *ObligationService) ListExpenses(ctx context.Context, userID string) ([]core.RealizedExpense, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &core.ValidationError{Field: "user_id", Reason: "is required"}
	}
	list, err := s.store.ListExpenses(ctx, userID)
	if err != nil {
		return nil, translateStoreError("list expenses", err)
	}
	return list, nil
}

// ListCategories returns the category taxonomy. Callers get their own copy of the list.
func (s *ObligationService) ListCategories(ctx context.Context) ([]core.Category, error) {
	if cats, ok := s.categories.Get(categoriesCacheKey); ok {
		return cloneCategories(cats), nil
	}
	cats, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, translateStoreError("list categories", err)
	}
	s.categories.Set(categoriesCacheKey, cloneCategories(cats))
	return cats, nil
}

func cloneCategories(cats []core.Category) []core.Category {
	out := slices.Clone(cats)
	for i := range out {
		out[i].Subcategories = slices.Clone(out[i].Subcategories)
	}
	return out
}

// Today is the current calendar date in the configured timezone.
func (s *ObligationService) Today() core.Date {
	return core.DateOf(s.now().In(s.loc))
}

// Settle realizes the obligation now, regardless of whether it is due yet.
// It returns core.ErrNotFound when the obligation does not exist or belongs to someone else.
func (s *ObligationService) Settle(ctx context.Context, userID string, id int64) (core.Settlement, error) {
	if strings.TrimSpace(userID) == "" {
		return core.Settlement{}, &core.ValidationError{Field: "user_id", Reason: "is required"}
	}
	req := storage.SettleRequest{
		ObligationID: id,
		UserID:       userID,
		On:           s.Today(),
		Origin:       core.OriginManual,
	}

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		var settlement core.Settlement
		settlement, err = s.settle(ctx, req)
		if err == nil {
			return settlement, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		s.log.WarnContext(ctx, "Settlement lost a race, retrying",
			applog.FieldObligationID, id,
			"attempt", attempt)
	}

	if errors.Is(err, storage.ErrNotFound) {
		return core.Settlement{}, core.ErrNotFound
	}
	s.log.ErrorContext(ctx, "Manual settlement failed",
		applog.FieldObligationID, id,
		applog.FieldUserID, userID,
		applog.FieldOperation, applog.OpSettle,
		applog.FieldError, err)
	return core.Settlement{}, translateStoreError(fmt.Sprintf("settle obligation %d", id), err)
}
