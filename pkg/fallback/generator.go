// Package fallback synthesizes deterministic stand-in balances for blocks
// the live accounting interface could not serve.
//
// A synthesized balance is a pure function of the account identifier and
// the calendar date. The identifier hash fixes a base amount; the day of
// year moves it along a year-long sine wave within 2% of that base. Two
// processes synthesizing the same account on the same day therefore agree
// exactly, and consecutive days drift smoothly instead of jumping.
package fallback

import (
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/qbsync/qbsync/pkg/engine"
)

// Base amount range, in cents: [1,000.00, 50,000.00).
const (
	baseFloorCents = 100_000
	baseSpanCents  = 4_900_000
)

// perturbAmplitude is the seasonal swing relative to the base amount.
const perturbAmplitude = 0.02

// Generator synthesizes balances. It carries no state and no randomness;
// the zero value is ready to use.
type Generator struct{}

// NewGenerator returns a stateless generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Synthesize derives a balance from the identifier and date alone. The
// result is marked Synthetic and stamped with the given date.
func (g *Generator) Synthesize(identifier string, date time.Time) engine.AccountBalance {
	base := baseAmount(identifier)

	phase := 2 * math.Pi * float64(date.YearDay()) / 365.0
	factor := decimal.NewFromFloat(perturbAmplitude * math.Sin(phase))

	amount := base.Add(base.Mul(factor)).Round(2)

	return engine.AccountBalance{
		Account:     identifier,
		Amount:      amount,
		RetrievedAt: date,
		Synthetic:   true,
	}
}

// baseAmount maps the identifier hash into the base range, cent-exact.
func baseAmount(identifier string) decimal.Decimal {
	h := xxhash.Sum64String(identifier)
	return decimal.New(baseFloorCents+int64(h%baseSpanCents), -2)
}
