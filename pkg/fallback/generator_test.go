package fallback

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSynthesizeDeterministic(t *testing.T) {
	date := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	first := NewGenerator().Synthesize("Assets:Current:Checking", date)
	second := NewGenerator().Synthesize("Assets:Current:Checking", date)

	if !first.Amount.Equal(second.Amount) {
		t.Errorf("same inputs produced %s and %s", first.Amount, second.Amount)
	}
	if !first.RetrievedAt.Equal(second.RetrievedAt) {
		t.Error("same inputs produced different timestamps")
	}
}

func TestSynthesizeMarksSynthetic(t *testing.T) {
	date := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	got := NewGenerator().Synthesize("Liabilities:Visa", date)

	if !got.Synthetic {
		t.Error("balance not marked synthetic")
	}
	if got.Account != "Liabilities:Visa" {
		t.Errorf("account = %q, want the identifier", got.Account)
	}
	if !got.RetrievedAt.Equal(date) {
		t.Errorf("retrieved at = %s, want the input date", got.RetrievedAt)
	}
}

func TestSynthesizeStaysInRange(t *testing.T) {
	gen := NewGenerator()
	// With the 2% seasonal swing the amount stays inside the widened range.
	low := decimal.RequireFromString("980")
	high := decimal.RequireFromString("51000")

	identifiers := []string{
		"Assets:Checking",
		"Assets:Savings",
		"Liabilities:Visa",
		"Income:Consulting",
		"Expenses:Rent",
	}
	dates := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	for _, id := range identifiers {
		for _, date := range dates {
			got := gen.Synthesize(id, date)
			if got.Amount.LessThan(low) || got.Amount.GreaterThanOrEqual(high) {
				t.Errorf("Synthesize(%q, %s) = %s, outside [%s, %s)",
					id, date.Format("2006-01-02"), got.Amount, low, high)
			}
		}
	}
}

func TestSynthesizeVariesByIdentifier(t *testing.T) {
	gen := NewGenerator()
	date := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	for _, id := range []string{
		"Assets:Checking",
		"Assets:Savings",
		"Liabilities:Visa",
		"Income:Consulting",
		"Expenses:Rent",
	} {
		seen[gen.Synthesize(id, date).Amount.String()] = true
	}

	if len(seen) < 2 {
		t.Error("every identifier synthesized the same amount")
	}
}

func TestSynthesizeConsecutiveDaysDriftSmoothly(t *testing.T) {
	gen := NewGenerator()
	// One day moves the sine phase by 2*pi/365, bounding the day-to-day
	// delta at well under 20 currency units for the largest base.
	maxDelta := decimal.RequireFromString("20")

	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		a := gen.Synthesize("Assets:Checking", day).Amount
		b := gen.Synthesize("Assets:Checking", day.AddDate(0, 0, 1)).Amount

		if a.Sub(b).Abs().GreaterThan(maxDelta) {
			t.Errorf("day %s to next jumped from %s to %s", day.Format("2006-01-02"), a, b)
		}
		day = day.AddDate(0, 0, 1)
	}
}

func TestSynthesizeCentPrecision(t *testing.T) {
	gen := NewGenerator()
	date := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	got := gen.Synthesize("Assets:Checking", date).Amount
	if !got.Equal(got.Round(2)) {
		t.Errorf("amount %s carries sub-cent precision", got)
	}
}
