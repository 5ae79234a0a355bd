package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"fintrack/internal/amqp"
	"fintrack/internal/core"
	"fintrack/internal/metrics"
	"fintrack/internal/storage"
	"fintrack/internal/storage/sqlite"
)

func newStore(t *testing.T) *sqlite.SQLiteRepository {
	t.Helper()
	repo, err := sqlite.NewSQLiteRepository(filepath.Join(t.TempDir(), "services.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func fixedClock(year, month, day int) func() time.Time {
	return func() time.Time {
		return time.Date(year, time.Month(month), day, 12, 0, 0, 0, time.UTC)
	}
}

func categoryID(id int64) *int64 { return &id }

func rentInput() CreateObligationInput {
	return CreateObligationInput{
		UserID:     "alice",
		Name:       "Rent",
		Amount:     "900.00",
		CategoryID: categoryID(1),
		StartDate:  "2025-01-15",
		Frequency:  "monthly",
	}
}

func register(t *testing.T, svc *ObligationService, in CreateObligationInput) int64 {
	t.Helper()
	id, err := svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*amqp.ExpenseRealizedMessage
	err      error
}

func (p *recordingPublisher) PublishExpenseRealized(_ context.Context, msg *amqp.ExpenseRealizedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return p.err
}

// failingStore fails settlement of a single obligation and delegates everything else.
type failingStore struct {
	storage.Store
	failID int64
	err    error
}

func (s *failingStore) Settle(ctx context.Context, req storage.SettleRequest) (core.Settlement, error) {
	if req.ObligationID == s.failID {
		if s.err != nil {
			return core.Settlement{}, s.err
		}
		return core.Settlement{}, errors.New("disk I/O error")
	}
	return s.Store.Settle(ctx, req)
}

// conflictStore reports a lost race for the first conflicts settlements.
type conflictStore struct {
	storage.Store
	conflicts int
	calls     int
}

func (s *conflictStore) Settle(ctx context.Context, req storage.SettleRequest) (core.Settlement, error) {
	s.calls++
	if s.calls <= s.conflicts {
		return core.Settlement{}, storage.ErrConflict
	}
	return s.Store.Settle(ctx, req)
}

func TestRegister(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	ctx := context.Background()

	id := register(t, svc, rentInput())

	got, err := store.GetObligation(ctx, id, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if got.NextDueDate != core.NewDate(2025, 1, 15) {
		t.Errorf("next due: got %v, want 2025-01-15", got.NextDueDate)
	}
	if got.Amount.Cents != 90000 {
		t.Errorf("amount: got %d, want 90000", got.Amount.Cents)
	}
	if got.Frequency != core.Monthly {
		t.Errorf("frequency: got %v, want monthly", got.Frequency)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewObligationService(newStore(t), nil, nil)

	tests := []struct {
		name      string
		mutate    func(*CreateObligationInput)
		wantField string
		wantFreq  bool
	}{
		{"missing user", func(in *CreateObligationInput) { in.UserID = " " }, "user_id", false},
		{"missing name", func(in *CreateObligationInput) { in.Name = "" }, "name", false},
		{"missing amount", func(in *CreateObligationInput) { in.Amount = "" }, "amount", false},
		{"non numeric amount", func(in *CreateObligationInput) { in.Amount = "abc" }, "amount", false},
		{"zero amount", func(in *CreateObligationInput) { in.Amount = "0" }, "amount", false},
		{"negative amount", func(in *CreateObligationInput) { in.Amount = "-5" }, "amount", false},
		{"missing start date", func(in *CreateObligationInput) { in.StartDate = "" }, "start_date", false},
		{"malformed start date", func(in *CreateObligationInput) { in.StartDate = "2025-13-01" }, "start_date", false},
		{"missing frequency", func(in *CreateObligationInput) { in.Frequency = "" }, "frequency", false},
		{"unknown category", func(in *CreateObligationInput) { in.CategoryID = categoryID(999) }, "category_id", false},
		{"unknown frequency", func(in *CreateObligationInput) { in.Frequency = "fortnightly" }, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := rentInput()
			tt.mutate(&in)

			_, err := svc.Register(context.Background(), in)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantFreq {
				if !errors.Is(err, core.ErrInvalidFrequency) {
					t.Errorf("got %v, want ErrInvalidFrequency", err)
				}
				return
			}
			var ve *core.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %T (%v), want *core.ValidationError", err, err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field: got %q, want %q", ve.Field, tt.wantField)
			}
		})
	}

	list, err := svc.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected registrations were stored: got %d obligations", len(list))
	}
}

func TestRegisterWithoutCategory(t *testing.T) {
	svc := NewObligationService(newStore(t), nil, nil)
	in := rentInput()
	in.CategoryID = nil
	register(t, svc, in)
}

func TestSweepSettlesDueObligation(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := NewObligationService(store, pub, m)
	sweeper := NewSweeper(store, pub, m)
	ctx := context.Background()

	id := register(t, svc, rentInput())

	result, err := sweeper.Sweep(ctx, core.NewDate(2025, 1, 20))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Checked != 1 || result.Settled != 1 || result.Failed != 0 {
		t.Errorf("got %s, want one settled", result)
	}

	got, err := store.GetObligation(ctx, id, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if got.NextDueDate != core.NewDate(2025, 2, 15) {
		t.Errorf("next due: got %v, want 2025-02-15", got.NextDueDate)
	}

	expenses, err := svc.ListExpenses(ctx, "alice")
	if err != nil {
		t.Fatalf("ListExpenses: %v", err)
	}
	if len(expenses) != 1 {
		t.Fatalf("got %d expenses, want 1", len(expenses))
	}
	e := expenses[0]
	if e.Date != core.NewDate(2025, 1, 20) {
		t.Errorf("expense date: got %v, want 2025-01-20", e.Date)
	}
	if e.Origin != core.OriginAuto {
		t.Errorf("origin: got %v, want auto", e.Origin)
	}
	if e.Amount.Cents != 90000 {
		t.Errorf("amount: got %d, want 90000", e.Amount.Cents)
	}
	if e.ObligationID == nil || *e.ObligationID != id {
		t.Errorf("obligation id: got %v, want %d", e.ObligationID, id)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.messages))
	}
	if pub.messages[0].Origin != "auto" || pub.messages[0].NextDueDate != "2025-02-15" {
		t.Errorf("unexpected message: %+v", pub.messages[0])
	}
	if got := testutil.ToFloat64(m.Settlements.WithLabelValues("auto")); got != 1 {
		t.Errorf("auto settlements metric: got %v, want 1", got)
	}

	// A second pass on the same day finds nothing due.
	result, err = sweeper.Sweep(ctx, core.NewDate(2025, 1, 20))
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if result.Checked != 0 {
		t.Errorf("second sweep: got %s, want nothing checked", result)
	}
}

func TestSweepIgnoresObligationsNotYetDue(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	register(t, svc, rentInput())

	result, err := NewSweeper(store, nil, nil).Sweep(context.Background(), core.NewDate(2025, 1, 14))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Checked != 0 || result.Settled != 0 {
		t.Errorf("got %s, want nothing settled", result)
	}
}

func TestSweepAdvancesOnePeriodPerPass(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	ctx := context.Background()

	in := rentInput()
	in.Name = "Coffee"
	in.Amount = "2.50"
	in.StartDate = "2025-01-01"
	in.Frequency = "daily"
	id := register(t, svc, in)

	// 40 days overdue.
	result, err := NewSweeper(store, nil, nil).Sweep(ctx, core.NewDate(2025, 2, 10))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Settled != 1 {
		t.Errorf("got %s, want one settled", result)
	}

	got, err := store.GetObligation(ctx, id, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if got.NextDueDate != core.NewDate(2025, 1, 2) {
		t.Errorf("next due: got %v, want 2025-01-02", got.NextDueDate)
	}

	expenses, err := svc.ListExpenses(ctx, "alice")
	if err != nil {
		t.Fatalf("ListExpenses: %v", err)
	}
	if len(expenses) != 1 {
		t.Errorf("got %d expenses, want 1", len(expenses))
	}
}

func TestSweepMonthEndAndLeapDay(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		start    string
		freq     string
		sweepOn  core.Date
		wantNext core.Date
	}{
		{"jan 31 monthly", "2025-01-31", "monthly", core.NewDate(2025, 1, 31), core.NewDate(2025, 2, 28)},
		{"jan 31 monthly leap year", "2024-01-31", "monthly", core.NewDate(2024, 1, 31), core.NewDate(2024, 2, 29)},
		{"feb 29 yearly", "2024-02-29", "yearly", core.NewDate(2024, 3, 1), core.NewDate(2025, 2, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := rentInput()
			in.StartDate = tt.start
			in.Frequency = tt.freq
			id := register(t, svc, in)

			s, err := svc.settle(ctx, storage.SettleRequest{
				ObligationID: id, On: tt.sweepOn, Origin: core.OriginAuto, OnlyIfDue: true,
			})
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if s.Obligation.NextDueDate != tt.wantNext {
				t.Errorf("got %v, want %v", s.Obligation.NextDueDate, tt.wantNext)
			}
		})
	}
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	ctx := context.Background()

	broken := register(t, svc, rentInput())
	in := rentInput()
	in.Name = "Internet"
	healthy := register(t, svc, in)

	m := metrics.New(prometheus.NewRegistry())
	sweeper := NewSweeper(&failingStore{Store: store, failID: broken}, nil, m)

	result, err := sweeper.Sweep(ctx, core.NewDate(2025, 1, 20))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Checked != 2 || result.Settled != 1 || result.Failed != 1 {
		t.Errorf("got %s, want checked=2 settled=1 failed=1", result)
	}

	got, err := store.GetObligation(ctx, broken, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if got.NextDueDate != core.NewDate(2025, 1, 15) {
		t.Errorf("failed obligation advanced: got %v", got.NextDueDate)
	}
	got, err = store.GetObligation(ctx, healthy, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if got.NextDueDate != core.NewDate(2025, 2, 15) {
		t.Errorf("healthy obligation: got %v, want 2025-02-15", got.NextDueDate)
	}
	if got := testutil.ToFloat64(m.SettlementFailures.WithLabelValues("auto")); got != 1 {
		t.Errorf("failure metric: got %v, want 1", got)
	}
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	register(t, svc, rentInput())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSweeper(store, nil, nil).Sweep(ctx, core.NewDate(2025, 1, 20))
	if err == nil {
		t.Fatal("expected error from cancelled sweep")
	}
}

func TestManualSettleBeforeDueDate(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	svc := NewObligationService(store, pub, nil, WithClock(fixedClock(2025, 1, 10)))
	ctx := context.Background()

	id := register(t, svc, rentInput())

	s, err := svc.Settle(ctx, "alice", id)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if s.Obligation.NextDueDate != core.NewDate(2025, 2, 15) {
		t.Errorf("next due: got %v, want 2025-02-15", s.Obligation.NextDueDate)
	}
	if s.Expense.Origin != core.OriginManual {
		t.Errorf("origin: got %v, want manual", s.Expense.Origin)
	}
	if s.Expense.Date != core.NewDate(2025, 1, 10) {
		t.Errorf("expense date: got %v, want 2025-01-10", s.Expense.Date)
	}

	expenses, err := svc.ListExpenses(ctx, "alice")
	if err != nil {
		t.Fatalf("ListExpenses: %v", err)
	}
	if len(expenses) != 1 || expenses[0].Origin != core.OriginManual {
		t.Errorf("got %+v, want one manual expense", expenses)
	}
	if len(pub.messages) != 1 || pub.messages[0].Origin != "manual" {
		t.Errorf("published messages: got %+v", pub.messages)
	}
}

func TestManualSettleUsesConfiguredTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := func() time.Time { return time.Date(2025, 1, 9, 23, 30, 0, 0, time.UTC) }
	store := newStore(t)
	svc := NewObligationService(store, nil, nil, WithClock(clock), WithLocation(loc))

	id := register(t, svc, rentInput())
	s, err := svc.Settle(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if s.Expense.Date != core.NewDate(2025, 1, 10) {
		t.Errorf("expense date: got %v, want 2025-01-10", s.Expense.Date)
	}
}

func TestSerializedManualSettlements(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil, WithClock(fixedClock(2025, 1, 10)))
	ctx := context.Background()

	id := register(t, svc, rentInput())
	before, err := store.GetObligation(ctx, id, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Settle(ctx, "alice", id); err != nil {
			t.Fatalf("Settle #%d: %v", i+1, err)
		}
	}

	after, err := store.GetObligation(ctx, id, "alice")
	if err != nil {
		t.Fatalf("GetObligation: %v", err)
	}
	if after.NextDueDate != core.NewDate(2025, 3, 15) {
		t.Errorf("next due: got %v, want 2025-03-15", after.NextDueDate)
	}
	if after.Version != before.Version+2 {
		t.Errorf("version: got %d, want %d", after.Version, before.Version+2)
	}

	expenses, err := svc.ListExpenses(ctx, "alice")
	if err != nil {
		t.Fatalf("ListExpenses: %v", err)
	}
	if len(expenses) != 2 {
		t.Errorf("got %d expenses, want 2", len(expenses))
	}
}

func TestManualSettleNotFound(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	ctx := context.Background()
	id := register(t, svc, rentInput())

	tests := []struct {
		name   string
		userID string
		id     int64
	}{
		{"unknown id", "alice", id + 100},
		{"other user", "bob", id},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Settle(ctx, tt.userID, tt.id)
			if !errors.Is(err, core.ErrNotFound) {
				t.Errorf("got %v, want ErrNotFound", err)
			}
		})
	}

	expenses, err := svc.ListExpenses(ctx, "alice")
	if err != nil {
		t.Fatalf("ListExpenses: %v", err)
	}
	if len(expenses) != 0 {
		t.Errorf("got %d expenses, want none", len(expenses))
	}
}

func TestManualSettleStorageError(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	id := register(t, svc, rentInput())

	failing := NewObligationService(&failingStore{Store: store, failID: id}, nil, nil)
	_, err := failing.Settle(context.Background(), "alice", id)

	var se *core.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %T (%v), want *core.StorageError", err, err)
	}
}

func TestManualSettleCorruptFrequencyIsStorageError(t *testing.T) {
	store := newStore(t)
	id := register(t, NewObligationService(store, nil, nil), rentInput())

	corrupt := &failingStore{
		Store:  store,
		failID: id,
		err:    fmt.Errorf("scan obligation: %w", core.ErrInvalidFrequency),
	}
	_, err := NewObligationService(corrupt, nil, nil).Settle(context.Background(), "alice", id)

	var se *core.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %T (%v), want *core.StorageError", err, err)
	}
	if errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want a storage error, not NotFound", err)
	}
}

func TestManualSettleRetriesConflicts(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		wantErr   bool
	}{
		{"recovers after one conflict", 1, false},
		{"gives up after three", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			id := register(t, NewObligationService(store, nil, nil), rentInput())

			cs := &conflictStore{Store: store, conflicts: tt.conflicts}
			svc := NewObligationService(cs, nil, nil, WithSettleAttempts(3))

			_, err := svc.Settle(context.Background(), "alice", id)
			if tt.wantErr {
				if !errors.Is(err, storage.ErrConflict) {
					t.Errorf("got %v, want wrapped ErrConflict", err)
				}
				var se *core.StorageError
				if !errors.As(err, &se) {
					t.Errorf("got %T, want *core.StorageError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if cs.calls != tt.conflicts+1 {
				t.Errorf("calls: got %d, want %d", cs.calls, tt.conflicts+1)
			}
		})
	}
}

func TestPublishFailureDoesNotFailSettlement(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{err: errors.New("circuit breaker is open")}
	svc := NewObligationService(store, pub, nil)

	id := register(t, svc, rentInput())
	if _, err := svc.Settle(context.Background(), "alice", id); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Errorf("publish attempts: got %d, want 1", len(pub.messages))
	}
}

func TestListRequiresUser(t *testing.T) {
	svc := NewObligationService(newStore(t), nil, nil)
	_, err := svc.List(context.Background(), "")
	if !core.IsValidation(err) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestListCategories(t *testing.T) {
	svc := NewObligationService(newStore(t), nil, nil)
	cats, err := svc.ListCategories(context.Background())
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	if len(cats) != 9 {
		t.Errorf("got %d categories, want 9", len(cats))
	}
}

type countingStore struct {
	storage.Store
	categoryCalls int
}

func (s *countingStore) ListCategories(ctx context.Context) ([]core.Category, error) {
	s.categoryCalls++
	return s.Store.ListCategories(ctx)
}

func TestListCategoriesIsCached(t *testing.T) {
	store := &countingStore{Store: newStore(t)}
	svc := NewObligationService(store, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := svc.ListCategories(context.Background()); err != nil {
			t.Fatalf("ListCategories: %v", err)
		}
	}
	if store.categoryCalls != 1 {
		t.Errorf("store hit %d times, want 1", store.categoryCalls)
	}
}

func TestListCategoriesReturnsCopies(t *testing.T) {
	svc := NewObligationService(newStore(t), nil, nil)
	ctx := context.Background()

	first, err := svc.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	wantName := first[0].Name
	wantSubs := len(first[0].Subcategories)
	first[0].Name = "changed"
	first[0].Subcategories = append(first[0].Subcategories, core.Subcategory{ID: 999, Name: "extra"})
	if wantSubs > 0 {
		first[0].Subcategories[0].Name = "changed"
	}

	second, err := svc.ListCategories(ctx)
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	if second[0].Name != wantName {
		t.Errorf("name = %q, want %q", second[0].Name, wantName)
	}
	if len(second[0].Subcategories) != wantSubs {
		t.Errorf("got %d subcategories, want %d", len(second[0].Subcategories), wantSubs)
	}
	if wantSubs > 0 && second[0].Subcategories[0].Name == "changed" {
		t.Error("cached subcategory was modified through a returned slice")
	}
}

func TestGetObligation(t *testing.T) {
	store := newStore(t)
	svc := NewObligationService(store, nil, nil)
	id := register(t, svc, rentInput())

	got, err := svc.Get(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NextDueDate != core.NewDate(2025, 1, 15) {
		t.Errorf("next due = %v, want 2025-01-15", got.NextDueDate)
	}
	if _, err := svc.Get(context.Background(), "bob", id); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	var ve *core.ValidationError
	if _, err := svc.Get(context.Background(), "", id); !errors.As(err, &ve) {
		t.Errorf("got %v, want ValidationError", err)
	}
}

func TestTranslateStoreError(t *testing.T) {
	ve := &core.ValidationError{Field: "name", Reason: "is required"}
	tests := []struct {
		name  string
		in    error
		check func(error) bool
	}{
		{"nil", nil, func(err error) bool { return err == nil }},
		{"not found", storage.ErrNotFound, func(err error) bool { return err == core.ErrNotFound }},
		{"validation", ve, func(err error) bool { return err == ve }},
		{"stored frequency", core.ErrInvalidFrequency, func(err error) bool {
			var se *core.StorageError
			return errors.As(err, &se)
		}},
		{"other", errors.New("boom"), func(err error) bool {
			var se *core.StorageError
			return errors.As(err, &se) && se.Op == "op"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translateStoreError("op", tt.in); !tt.check(got) {
				t.Errorf("unexpected translation: %v", got)
			}
		})
	}
}
