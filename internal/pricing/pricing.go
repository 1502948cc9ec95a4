package pricing

import (
	"math"

	"github.com/hackgods/consultation-booking/internal/apperror"
)

// DefaultAdvanceRatio is the share of the fee collected to secure a booking.
const DefaultAdvanceRatio = 0.3

// Split is a fee divided into the advance and the remainder, in minor
// currency units.
type Split struct {
	AdvanceAmount   int64 `json:"advance_amount"`
	RemainingAmount int64 `json:"remaining_amount"`
	TotalAmount     int64 `json:"total_amount"`
}

// Compute splits fee so that AdvanceAmount + RemainingAmount == TotalAmount.
func Compute(fee int64, advanceRatio float64) (Split, error) {
	if fee < 0 {
		return Split{}, apperror.Validation("compute pricing", "fee must not be negative, got %d", fee)
	}
	if err := ValidateRatio(advanceRatio); err != nil {
		return Split{}, err
	}

	advance := int64(math.Round(float64(fee) * advanceRatio))
	if advance > fee {
		advance = fee
	}

	return Split{
		AdvanceAmount:   advance,
		RemainingAmount: fee - advance,
		TotalAmount:     fee,
	}, nil
}

// ValidateRatio accepts ratios in (0, 1].
func ValidateRatio(ratio float64) error {
	if math.IsNaN(ratio) || ratio <= 0 || ratio > 1 {
		return apperror.Validation("compute pricing", "advance ratio must be in (0, 1], got %v", ratio)
	}
	return nil
}
