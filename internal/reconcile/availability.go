package reconcile

import (
	"fmt"

	"consistency-checker/internal/models"
)

// AvailabilityOptions tunes the availability comparison per deployment
type AvailabilityOptions struct {
	// CompareDesiredAmount also checks the aggregated desired amount when the
	// availability record exposes one.
	CompareDesiredAmount bool
}

// ReconcileAvailability checks a product's availability aggregate against the reservations
// it is derived from. The reservations are the source of truth.
func ReconcileAvailability(
	product models.Product,
	availability models.Availability,
	reservations []models.Reservation,
	opts AvailabilityOptions,
) models.ValidationResult {
	var result models.ValidationResult

	var sumReserved, sumDesired int
	for _, r := range reservations {
		sumReserved += r.ReservedAmount
		sumDesired += r.DesiredAmount
	}

	if availability.Stock != product.Stock {
		result.Add(models.Discrepancy{
			Kind:     models.KindStockMismatch,
			Field:    "stock",
			Expected: product.Stock,
			Actual:   availability.Stock,
			Message: fmt.Sprintf("product_availability.stock (%d) is not equal to product.stock (%d)",
				availability.Stock, product.Stock),
		})
	}

	if availability.ReservedAmount != sumReserved {
		result.Add(models.Discrepancy{
			Kind:     models.KindAggregateReservedMismatch,
			Field:    "reservedAmount",
			Expected: sumReserved,
			Actual:   availability.ReservedAmount,
			Message: fmt.Sprintf("product_availability.reserved_amount (%d) is not equal to the accumulation of product_reservations.reserved_amount (%d)",
				availability.ReservedAmount, sumReserved),
		})
	}

	if opts.CompareDesiredAmount && availability.DesiredAmount != nil && *availability.DesiredAmount != sumDesired {
		result.Add(models.Discrepancy{
			Kind:     models.KindAggregateDesiredMismatch,
			Field:    "desiredAmount",
			Expected: sumDesired,
			Actual:   *availability.DesiredAmount,
			Message: fmt.Sprintf("product_availability.desired_amount (%d) is not equal to the accumulation of product_reservations.desired_amount (%d)",
				*availability.DesiredAmount, sumDesired),
		})
	}

	return result
}
