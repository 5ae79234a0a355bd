package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fintrack/internal/auth"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/services"
)

type obligationResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Amount      string    `json:"amount"`
	AmountCents int64     `json:"amount_cents"`
	CategoryID  *int64    `json:"category_id"`
	StartDate   core.Date `json:"start_date"`
	Frequency   string    `json:"frequency"`
	NextDueDate core.Date `json:"next_due_date"`
	CreatedAt   time.Time `json:"created_at"`
}

func newObligationResponse(o core.Obligation) obligationResponse {
	return obligationResponse{
		ID:          o.ID,
		Name:        o.Name,
		Amount:      o.Amount.String(),
		AmountCents: o.Amount.Cents,
		CategoryID:  o.CategoryID,
		StartDate:   o.StartDate,
		Frequency:   o.Frequency.String(),
		NextDueDate: o.NextDueDate,
		CreatedAt:   o.CreatedAt,
	}
}

type expenseResponse struct {
	ID           string    `json:"id"`
	ObligationID *int64    `json:"recurring_id"`
	CategoryID   *int64    `json:"category_id"`
	Amount       string    `json:"amount"`
	AmountCents  int64     `json:"amount_cents"`
	Description  string    `json:"description"`
	Date         core.Date `json:"date"`
	Origin       string    `json:"origin"`
	CreatedAt    time.Time `json:"created_at"`
}

func newExpenseResponse(e core.RealizedExpense) expenseResponse {
	return expenseResponse{
		ID:           e.ID,
		ObligationID: e.ObligationID,
		CategoryID:   e.CategoryID,
		Amount:       e.Amount.String(),
		AmountCents:  e.Amount.Cents,
		Description:  e.Description,
		Date:         e.Date,
		Origin:       e.Origin.String(),
		CreatedAt:    e.CreatedAt,
	}
}

type subcategoryResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type categoryResponse struct {
	ID            int64                 `json:"id"`
	Name          string                `json:"name"`
	Subcategories []subcategoryResponse `json:"subcategories"`
}

type createObligationRequest struct {
	Name       string      `json:"name"`
	Amount     amountField `json:"amount"`
	CategoryID *int64      `json:"category_id"`
	StartDate  string      `json:"start_date"`
	Frequency  string      `json:"frequency"`
}

type markPaidResponse struct {
	NextDueDate core.Date `json:"next_due_date"`
	ExpenseID   string    `json:"expense_id"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	list, err := s.api.List(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]obligationResponse, 0, len(list))
	for _, o := range list {
		out = append(out, newObligationResponse(o))
	}
	writeJSON(w, http.StatusOK, listResponse[obligationResponse]{Data: out})
}

func (s *Server) handleCreateObligation(w http.ResponseWriter, r *http.Request) {
	var req createObligationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	id, err := s.api.Register(r.Context(), services.CreateObligationInput{
		UserID:     auth.UserID(r.Context()),
		Name:       sanitizeInput(req.Name),
		Amount:     string(req.Amount),
		CategoryID: req.CategoryID,
		StartDate:  req.StartDate,
		Frequency:  req.Frequency,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func obligationID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	id, ok := obligationID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid obligation id", Field: "id"})
		return
	}

	o, err := s.api.Get(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newObligationResponse(o))
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := obligationID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid obligation id", Field: "id"})
		return
	}

	settlement, err := s.api.Settle(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	applog.FromContext(r.Context()).InfoContext(r.Context(), "Obligation marked as paid",
		applog.FieldObligationID, id,
		applog.FieldExpenseID, settlement.Expense.ID,
		applog.FieldNextDueDate, settlement.Obligation.NextDueDate.String())

	writeJSON(w, http.StatusOK, markPaidResponse{
		NextDueDate: settlement.Obligation.NextDueDate,
		ExpenseID:   settlement.Expense.ID,
	})
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	list, err := s.api.ListExpenses(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]expenseResponse, 0, len(list))
	for _, e := range list {
		out = append(out, newExpenseResponse(e))
	}
	writeJSON(w, http.StatusOK, listResponse[expenseResponse]{Data: out})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.api.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]categoryResponse, 0, len(cats))
	for _, c := range cats {
		subs := make([]subcategoryResponse, 0, len(c.Subcategories))
		for _, sc := range c.Subcategories {
			subs = append(subs, subcategoryResponse{ID: sc.ID, Name: sc.Name})
		}
		out = append(out, categoryResponse{ID: c.ID, Name: c.Name, Subcategories: subs})
	}
	writeJSON(w, http.StatusOK, listResponse[categoryResponse]{Data: out})
}
