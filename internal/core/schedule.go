package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Advance moves ref forward by exactly one period of f.
//
// Monthly and yearly steps keep the day of month when the target month has it and
// otherwise clamp to the target month's last day, so Jan 31 becomes Feb 28 (or 29)
// and Feb 29 becomes Feb 28 in a non-leap year.
func Advance(ref Date, f Frequency) (Date, error) {
	switch f {
	case Daily:
		return Date{Time: ref.AddDate(0, 0, 1)}, nil
	case Weekly:
		return Date{Time: ref.AddDate(0, 0, 7)}, nil
	case Monthly:
		return addMonthsClamped(ref, 1), nil
	case Yearly:
		return addMonthsClamped(ref, 12), nil
	default:
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, string(f))
	}
}

func addMonthsClamped(d Date, months int) Date {
	y, m, day := d.Time.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return NewDate(first.Year(), int(first.Month()), day)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// PlanSettlement computes one settlement of o realized on the given day: a new expense
// carrying o's amount, category and owner, and o advanced by one period from its seed.
func PlanSettlement(o Obligation, on Date, origin Origin) (Settlement, error) {
	if !origin.IsValid() {
		return Settlement{}, fmt.Errorf("invalid origin %q", string(origin))
	}
	seed := o.SettlementSeed()
	next, err := Advance(seed, o.Frequency)
	if err != nil {
		return Settlement{}, err
	}

	obligationID := o.ID
	expense := RealizedExpense{
		ID:           uuid.NewString(),
		UserID:       o.UserID,
		ObligationID: &obligationID,
		CategoryID:   o.CategoryID,
		Amount:       o.Amount,
		Description:  o.Name,
		Date:         on,
		Origin:       origin,
	}

	advanced := o
	advanced.NextDueDate = next
	advanced.Version = o.Version + 1

	return Settlement{
		Obligation:      advanced,
		Expense:         expense,
		PreviousDueDate: seed,
	}, nil
}
