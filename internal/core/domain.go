package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

const (
	OriginAuto   Origin = "auto"
	OriginManual Origin = "manual"
)

const maxNameLength = 200

type (
	// Frequency is the closed set of schedule tags an obligation can carry.
	Frequency string

	// Origin tells reporting whether an expense came from the sweep or from the user.
	Origin string

	// Date is a calendar day stored as midnight UTC.
	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// Obligation is a user's recurring expense commitment.
	Obligation struct {
		ID          int64
		UserID      string
		Name        string
		Amount      Money
		CategoryID  *int64
		StartDate   Date
		Frequency   Frequency
		NextDueDate Date
		Version     int64
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// RealizedExpense is the snapshot written each time an obligation is settled.
	RealizedExpense struct {
		ID           string
		UserID       string
		ObligationID *int64
		CategoryID   *int64
		Amount       Money
		Description  string
		Date         Date
		Origin       Origin
		CreatedAt    time.Time
	}

	Subcategory struct {
		ID   int64
		Name string
	}

	Category struct {
		ID            int64
		Name          string
		Subcategories []Subcategory
	}

	// Settlement is the outcome of one insert+advance pair.
	Settlement struct {
		Obligation      Obligation
		Expense         RealizedExpense
		PreviousDueDate Date
	}
)

// ParseFrequency accepts the four schedule tags, case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
	return f, nil
}

func (f Frequency) IsValid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

func (f Frequency) String() string { return string(f) }

func (o Origin) IsValid() bool {
	return o == OriginAuto || o == OriginManual
}

func (o Origin) String() string { return string(o) }

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// Day returns the day of the month
func (d Date) Day() int {
	return d.Time.Day()
}

// Month returns the month
func (d Date) Month() int {
	return int(d.Time.Month())
}

// Year returns the year
func (d Date) Year() int {
	return d.Time.Year()
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// OnOrBefore reports whether d falls on or before other.
func (d Date) OnOrBefore(other Date) bool {
	return !d.After(other.Time)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// SettlementSeed is the date the next advance starts from.
func (o Obligation) SettlementSeed() Date {
	if o.NextDueDate.IsZero() {
		return o.StartDate
	}
	return o.NextDueDate
}

// IsDue reports whether the obligation should be realized by a sweep running on today.
func (o Obligation) IsDue(today Date) bool {
	return o.SettlementSeed().OnOrBefore(today)
}

// Validate checks registration input. Frequency problems surface as ErrInvalidFrequency,
// everything else as *ValidationError.
func (o Obligation) Validate() error {
	if strings.TrimSpace(o.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	name := strings.TrimSpace(o.Name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	if err := o.Amount.Validate(); err != nil {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if o.CategoryID != nil && *o.CategoryID <= 0 {
		return &ValidationError{Field: "category_id", Reason: "must be a positive id"}
	}
	if o.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "is required"}
	}
	if !o.Frequency.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, string(o.Frequency))
	}
	return nil
}
