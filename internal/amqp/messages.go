package amqp

import (
	"encoding/json"
	"time"

	"fintrack/internal/core"
)

const ExpenseRealizedType = "expense.realized"

// ExpenseRealizedMessage is emitted after a settlement commits. Consumers get enough of a
// snapshot to update reports without reading the store.
type ExpenseRealizedMessage struct {
	ExpenseID    string    `json:"expense_id"`
	ObligationID int64     `json:"obligation_id"`
	UserID       string    `json:"user_id"`
	AmountCents  int64     `json:"amount_cents"`
	Date         string    `json:"date"`
	Origin       string    `json:"origin"`
	NextDueDate  string    `json:"next_due_date"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewExpenseRealizedMessage(s core.Settlement) *ExpenseRealizedMessage {
	return &ExpenseRealizedMessage{
		ExpenseID:    s.Expense.ID,
		ObligationID: s.Obligation.ID,
		UserID:       s.Expense.UserID,
		AmountCents:  s.Expense.Amount.Cents,
		Date:         s.Expense.Date.String(),
		Origin:       s.Expense.Origin.String(),
		NextDueDate:  s.Obligation.NextDueDate.String(),
		Timestamp:    time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ExpenseRealizedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
