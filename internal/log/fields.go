package log

import "fintrack/internal/core"

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldDurationHuman = "duration_human"
	FieldUserAgent     = "user_agent"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldUserID        = "user_id"
	FieldObligationID  = "obligation_id"
	FieldExpenseID     = "expense_id"
	FieldFrequency     = "frequency"
	FieldOrigin        = "origin"
	FieldAmountCents   = "amount_cents"
	FieldDueDate       = "due_date"
	FieldNextDueDate   = "next_due_date"
	FieldSweepDate     = "sweep_date"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentObligation = "obligation"
	ComponentSweep      = "sweep"
	ComponentStorage    = "storage"
	ComponentScheduler  = "scheduler"
	ComponentAuth       = "auth"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpSettle   = "settle"
	OpSweep    = "sweep"
	OpPublish  = "publish"
	OpShutdown = "shutdown"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithClientIP adds client IP field
func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithObligation adds the identifying fields of an obligation.
func (f LogFields) WithObligation(o core.Obligation) LogFields {
	f[FieldObligationID] = o.ID
	f[FieldUserID] = o.UserID
	f[FieldFrequency] = o.Frequency.String()
	f[FieldDueDate] = o.NextDueDate.String()
	return f
}

// WithSettlement adds the fields describing a committed settlement.
func (f LogFields) WithSettlement(s core.Settlement) LogFields {
	f[FieldObligationID] = s.Obligation.ID
	f[FieldUserID] = s.Obligation.UserID
	f[FieldFrequency] = s.Obligation.Frequency.String()
	f[FieldExpenseID] = s.Expense.ID
	f[FieldOrigin] = s.Expense.Origin.String()
	f[FieldAmountCents] = s.Expense.Amount.Cents
	f[FieldDueDate] = s.PreviousDueDate.String()
	f[FieldNextDueDate] = s.Obligation.NextDueDate.String()
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
