package refund

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/money"
)

// accrue computes refund interest on amount over [from, to), splitting the
// window at every rate change. Days no rate covers use fallback. An empty or
// negative window accrues nothing. The total is cut below 1 unit, not 10.
func accrue(ctx context.Context, ref domain.ReferenceData, amount int64, from, to time.Time, fallback decimal.Decimal) ([]domain.InterestPeriod, int64, error) {
	from, to = dateOf(from), dateOf(to)
	if amount <= 0 || !from.Before(to) {
		return nil, 0, nil
	}

	rates, err := ref.InterestRates(ctx, from, to)
	if err != nil {
		return nil, 0, err
	}

	var periods []domain.InterestPeriod
	add := func(start, end time.Time, rate decimal.Decimal) {
		days := daysBetween(start, end)
		if days <= 0 {
			return
		}
		periods = append(periods, domain.InterestPeriod{
			From:     start,
			To:       end,
			Days:     days,
			Rate:     rate,
			Interest: money.DailyInterest(amount, rate, int64(days)),
		})
	}

	cursor := from
	for _, r := range rates {
		start := dateOf(r.From)
		if start.Before(cursor) {
			start = cursor
		}
		end := to
		if !r.To.IsZero() && dateOf(r.To).Before(to) {
			end = dateOf(r.To)
		}
		if !end.After(start) {
			continue
		}
		if start.After(cursor) {
			add(cursor, start, fallback)
		}
		add(start, end, r.Rate)
		cursor = end
	}
	if cursor.Before(to) {
		add(cursor, to, fallback)
	}

	total := decimal.Zero
	for _, p := range periods {
		total = total.Add(p.Interest)
	}
	return periods, money.TruncateUnit(total), nil
}
