package payments

import "math"

// DefaultFeePercent is the canonical platform fee deducted from every release.
const DefaultFeePercent = 10

// Cents converts a major-unit amount to minor currency units for the
// processor boundary.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// Dollars converts minor units back to major units.
func Dollars(cents int64) float64 {
	return float64(cents) / 100
}

// Split divides a release amount into the freelancer payout and the platform
// fee. The fee is rounded half-up on whole cents so payout+fee always equals
// the input amount.
func Split(amountCents int64, feePercent int) (payout, fee int64) {
	if amountCents <= 0 {
		return 0, 0
	}
	fee = (amountCents*int64(feePercent) + 50) / 100
	return amountCents - fee, fee
}
