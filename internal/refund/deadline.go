package refund

import (
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// FilingDeadline returns the statutory filing deadline of the original
// return. A zero fiscal end falls back to December 31 of the tax year.
func FilingDeadline(taxType domain.TaxType, taxYear int, fiscalEnd time.Time) time.Time {
	switch taxType {
	case domain.TaxTypeIncome:
		return time.Date(taxYear+1, time.May, 31, 0, 0, 0, 0, time.UTC)
	case domain.TaxTypeIncomeFaithful:
		return time.Date(taxYear+1, time.June, 30, 0, 0, 0, 0, time.UTC)
	}

	end := dateOf(fiscalEnd)
	if fiscalEnd.IsZero() {
		end = time.Date(taxYear, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	// Last day of the third month after the fiscal year end.
	return time.Date(end.Year(), end.Month()+4, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// ClaimDeadline is the last day a correction can be claimed.
func ClaimDeadline(filingDeadline time.Time, years int) time.Time {
	return filingDeadline.AddDate(years, 0, 0)
}

// CheckDeadline fails with ClaimExpiredError when claimDate is after the
// deadline and warns when fewer than warnDays remain.
func CheckDeadline(claimDate, deadline time.Time, warnDays int) (*domain.Warning, error) {
	claimDate = dateOf(claimDate)
	if claimDate.After(deadline) {
		return nil, &domain.ClaimExpiredError{Deadline: deadline}
	}
	left := daysBetween(claimDate, deadline)
	if left <= warnDays {
		w := domain.NewWarning(domain.CodeDeadlineNear,
			"deadline", deadline.Format(time.DateOnly), "daysLeft", left)
		return &w, nil
	}
	return nil, nil
}

// dateOf drops the time of day, keeping the calendar date.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(dateOf(b).Sub(dateOf(a)).Hours() / 24)
}
