/*
fees.go - FeeCalculator: the three-way money split

FORMULA:
  gross       = rate x hours
  workerNet   = 95% of gross
  workerFee   = gross - workerNet        (5% of gross)
  payerTotal  = 110% of gross
  platformFee = payerTotal - workerNet   (15% of gross)

ROUNDING:
  gross, workerNet and payerTotal are each rounded to cents once, half-up,
  from the exact rate x hours product. The two fees are the differences of
  those rounded amounts, so both identities hold to the cent:
    workerFee + workerNet    == gross
    workerNet + platformFee  == payerTotal

CalculateFees is the single implementation behind the submission preview and
the authoritative computation at approval time.
*/
package settlement

import (
	"github.com/shopspring/decimal"
)

// CurrencyPrecision is the number of decimal places in the minor unit (cents).
const CurrencyPrecision = 2

var (
	// WorkerFeeRate is deducted from the gross amount paid to the worker.
	WorkerFeeRate = decimal.RequireFromString("0.05")

	// PayerMarkupRate is added on top of the gross amount charged to the payer.
	PayerMarkupRate = decimal.RequireFromString("0.10")

	// PlatformFeeRate is what the platform keeps in total.
	PlatformFeeRate = WorkerFeeRate.Add(PayerMarkupRate)
)

// CalculateFees splits rate x hours between worker, platform and payer.
func CalculateFees(hourlyRate, totalHours decimal.Decimal) (FeeBreakdown, error) {
	if hourlyRate.IsNegative() || totalHours.IsNegative() {
		return FeeBreakdown{}, ErrInvalidAmount
	}

	exactGross := hourlyRate.Mul(totalHours)

	one := decimal.NewFromInt(1)
	gross := roundCents(exactGross)
	workerNet := roundCents(exactGross.Mul(one.Sub(WorkerFeeRate)))
	payerTotal := roundCents(exactGross.Mul(one.Add(PayerMarkupRate)))

	workerFee := gross.Sub(workerNet)

	return FeeBreakdown{
		HourlyRate:       hourlyRate,
		TotalHours:       totalHours,
		GrossAmount:      gross,
		WorkerFee:        workerFee,
		WorkerNetAmount:  workerNet,
		PayerTotalAmount: payerTotal,
		PlatformFeeTotal: payerTotal.Sub(workerNet),
	}, nil
}

// Reconciles reports whether the split adds up to the cent.
func (f FeeBreakdown) Reconciles() bool {
	return f.WorkerNetAmount.Add(f.PlatformFeeTotal).Equal(f.PayerTotalAmount) &&
		f.WorkerFee.Add(f.WorkerNetAmount).Equal(f.GrossAmount)
}

// Equal compares every money field.
func (f FeeBreakdown) Equal(o FeeBreakdown) bool {
	return f.HourlyRate.Equal(o.HourlyRate) &&
		f.TotalHours.Equal(o.TotalHours) &&
		f.GrossAmount.Equal(o.GrossAmount) &&
		f.WorkerFee.Equal(o.WorkerFee) &&
		f.WorkerNetAmount.Equal(o.WorkerNetAmount) &&
		f.PayerTotalAmount.Equal(o.PayerTotalAmount) &&
		f.PlatformFeeTotal.Equal(o.PlatformFeeTotal)
}

// ToMinorUnits converts a cent-rounded amount to an integer number of cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(CurrencyPrecision).Round(0).IntPart()
}

// FromMinorUnits converts cents back to a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -CurrencyPrecision)
}

// roundCents rounds half away from zero, which is half-up for the
// non-negative amounts handled here.
func roundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPrecision)
}
