package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fintrack/internal/auth"
	"fintrack/internal/core"
	"fintrack/internal/metrics"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/services"
	"fintrack/internal/storage/sqlite"
)

const testSecret = "test-secret-0123456789"

type testEnv struct {
	srv   *Server
	jwt   *auth.JWTManager
	store *sqlite.SQLiteRepository
}

func newTestEnv(t *testing.T, rl ratelimit.Config) *testEnv {
	t.Helper()
	store, err := sqlite.NewSQLiteRepository(filepath.Join(t.TempDir(), "http.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	jwt := auth.NewJWTManager(testSecret, time.Hour)
	svc := services.NewObligationService(store, nil, m,
		services.WithClock(func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) }))

	srv := NewServer(Config{
		Addr:      ":0",
		JWT:       jwt,
		Metrics:   m,
		Gatherer:  reg,
		RateLimit: rl,
	}, svc, store)
	t.Cleanup(func() { srv.rateLimiter.Stop() })

	return &testEnv{srv: srv, jwt: jwt, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		token, err := e.jwt.Generate(user, user+"@example.com")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

const rentBody = `{"name":"Rent","amount":"900,00","category_id":1,"start_date":"2025-01-15","frequency":"monthly"}`

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := env.do(t, http.MethodGet, path, "", "")
		if rr.Code != http.StatusOK {
			t.Errorf("%s: got %d, want 200", path, rr.Code)
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: missing X-Request-ID", path)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s: missing security headers", path)
		}
	}

	env.do(t, http.MethodGet, "/healthz", "", "")
	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "fintrack_http_requests_total") {
		t.Error("metrics output missing fintrack_http_requests_total")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestReadyReportsUnavailableStore(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})
	env.srv.ready = failingPinger{}

	rr := env.do(t, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rr.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/recurring-expenses"},
		{http.MethodPost, "/api/recurring-expenses"},
		{http.MethodPost, "/api/recurring-expenses/1/mark-paid"},
		{http.MethodGet, "/api/expenses"},
		{http.MethodGet, "/api/categories"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, "", "")
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("got %d, want 401", rr.Code)
			}
		})
	}
}

func TestCreateAndListObligations(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	rr := env.do(t, http.MethodPost, "/api/recurring-expenses", "alice", rentBody)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d (%s), want 201", rr.Code, rr.Body.String())
	}
	created := decode[map[string]int64](t, rr)
	if created["id"] <= 0 {
		t.Fatalf("create: got id %d", created["id"])
	}

	rr = env.do(t, http.MethodGet, "/api/recurring-expenses", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d", rr.Code)
	}
	list := decode[listResponse[map[string]any]](t, rr)
	if len(list.Data) != 1 {
		t.Fatalf("list: got %d items, want 1", len(list.Data))
	}
	item := list.Data[0]
	if item["next_due_date"] != "2025-01-15" {
		t.Errorf("next_due_date: got %v, want 2025-01-15", item["next_due_date"])
	}
	if item["amount"] != "900.00" {
		t.Errorf("amount: got %v, want 900.00", item["amount"])
	}
	if item["frequency"] != "monthly" {
		t.Errorf("frequency: got %v, want monthly", item["frequency"])
	}

	rr = env.do(t, http.MethodGet, "/api/recurring-expenses", "bob", "")
	other := decode[listResponse[map[string]any]](t, rr)
	if len(other.Data) != 0 {
		t.Errorf("bob sees %d obligations, want 0", len(other.Data))
	}
}

func TestCreateObligationErrors(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{"malformed json", `{"name":`, http.StatusBadRequest, ""},
		{"trailing data", `{"name":"Rent"} {}`, http.StatusBadRequest, ""},
		{"unknown frequency", `{"name":"Rent","amount":"10","start_date":"2025-01-15","frequency":"fortnightly"}`, http.StatusUnprocessableEntity, "frequency"},
		{"missing name", `{"amount":"10","start_date":"2025-01-15","frequency":"monthly"}`, http.StatusUnprocessableEntity, "name"},
		{"bad amount", `{"name":"Rent","amount":"ten","start_date":"2025-01-15","frequency":"monthly"}`, http.StatusUnprocessableEntity, "amount"},
		{"bad date", `{"name":"Rent","amount":10,"start_date":"15/01/2025","frequency":"monthly"}`, http.StatusUnprocessableEntity, "start_date"},
		{"unknown category", `{"name":"Rent","amount":10,"category_id":999,"start_date":"2025-01-15","frequency":"monthly"}`, http.StatusUnprocessableEntity, "category_id"},
		{"numeric amount", `{"name":"Gym","amount":29.9,"start_date":"2025-01-15","frequency":"weekly"}`, http.StatusCreated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/recurring-expenses", "alice", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("got %d (%s), want %d", rr.Code, rr.Body.String(), tt.wantCode)
			}
			if tt.wantField == "" {
				return
			}
			body := decode[errorResponse](t, rr)
			if body.Field != tt.wantField {
				t.Errorf("field: got %q, want %q", body.Field, tt.wantField)
			}
			if body.Error == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestMarkPaid(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	rr := env.do(t, http.MethodPost, "/api/recurring-expenses", "alice", rentBody)
	id := decode[map[string]int64](t, rr)["id"]
	path := "/api/recurring-expenses/" + strconv.FormatInt(id, 10) + "/mark-paid"

	rr = env.do(t, http.MethodPost, path, "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("mark-paid: got %d (%s)", rr.Code, rr.Body.String())
	}
	paid := decode[map[string]string](t, rr)
	if paid["next_due_date"] != "2025-02-15" {
		t.Errorf("next_due_date: got %q, want 2025-02-15", paid["next_due_date"])
	}
	if paid["expense_id"] == "" {
		t.Error("missing expense_id")
	}

	rr = env.do(t, http.MethodGet, "/api/expenses", "alice", "")
	expenses := decode[listResponse[map[string]any]](t, rr)
	if len(expenses.Data) != 1 {
		t.Fatalf("got %d expenses, want 1", len(expenses.Data))
	}
	e := expenses.Data[0]
	if e["origin"] != "manual" || e["date"] != "2025-01-10" || e["id"] != paid["expense_id"] {
		t.Errorf("unexpected expense: %v", e)
	}

	t.Run("other user gets 404", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, path, "bob", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("got %d, want 404", rr.Code)
		}
	})

	t.Run("unknown id gets 404", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/recurring-expenses/9999/mark-paid", "alice", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("got %d, want 404", rr.Code)
		}
	})

	t.Run("non numeric id gets 400", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/recurring-expenses/abc/mark-paid", "alice", "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("got %d, want 400", rr.Code)
		}
	})
}

func TestGetObligation(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	rr := env.do(t, http.MethodPost, "/api/recurring-expenses", "alice", rentBody)
	id := decode[map[string]int64](t, rr)["id"]
	path := "/api/recurring-expenses/" + strconv.FormatInt(id, 10)

	rr = env.do(t, http.MethodGet, path, "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d (%s)", rr.Code, rr.Body.String())
	}
	got := decode[obligationResponse](t, rr)
	if got.ID != id || got.NextDueDate.String() != "2025-01-15" || got.Frequency != "monthly" {
		t.Errorf("unexpected obligation: %+v", got)
	}

	tests := []struct {
		name, path, user string
		want             int
	}{
		{"other user", path, "bob", http.StatusNotFound},
		{"unknown id", "/api/recurring-expenses/9999", "alice", http.StatusNotFound},
		{"bad id", "/api/recurring-expenses/abc", "alice", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(t, http.MethodGet, tt.path, tt.user, ""); rr.Code != tt.want {
				t.Errorf("got %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestWriteErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &core.ValidationError{Field: "name", Reason: "is required"}, http.StatusUnprocessableEntity},
		{"unknown frequency in input", core.ErrInvalidFrequency, http.StatusUnprocessableEntity},
		{"not found", core.ErrNotFound, http.StatusNotFound},
		{"corrupt stored frequency", &core.StorageError{Op: "settle obligation 1", Err: core.ErrInvalidFrequency}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, httptest.NewRequest(http.MethodPost, "/api/x", nil), tt.err)
			if rr.Code != tt.want {
				t.Errorf("got %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestListCategories(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})

	rr := env.do(t, http.MethodGet, "/api/categories", "alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	cats := decode[listResponse[categoryResponse]](t, rr)
	if len(cats.Data) != 9 {
		t.Errorf("got %d categories, want 9", len(cats.Data))
	}
	if cats.Data[0].Subcategories == nil {
		t.Error("subcategories should encode as a list")
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{RequestsPerMinute: 1, Methods: []string{http.MethodPost}})

	if rr := env.do(t, http.MethodPost, "/api/recurring-expenses", "alice", rentBody); rr.Code != http.StatusCreated {
		t.Fatalf("first create: got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/api/recurring-expenses", "alice", rentBody)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second create: got %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rr := env.do(t, http.MethodGet, "/api/recurring-expenses", "alice", ""); rr.Code != http.StatusOK {
		t.Errorf("reads are not limited: got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{})
	rr := env.do(t, http.MethodGet, "/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type: got %q", ct)
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Rent  ", "Rent"},
		{"Gym\x00\x07", "Gym"},
		{"Line\tTab", "Line\tTab"},
	}
	for _, tt := range tests {
		if got := sanitizeInput(tt.in); got != tt.want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
