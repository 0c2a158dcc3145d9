package reconcile

import (
	"fmt"
	"sort"
	"time"

	"consistency-checker/internal/models"
)

// IndexReservations keys reservations by product ID. The inventory service keeps one
// record per (product, user) pair; when a listing breaks that rule the last record wins
// here and DuplicateReservations reports the breach.
func IndexReservations(reservations []models.Reservation) map[string]models.Reservation {
	byProduct := make(map[string]models.Reservation, len(reservations))
	for _, r := range reservations {
		byProduct[r.ProductID] = r
	}
	return byProduct
}

// ReconcileCart compares a user's cart with that user's reservations.
//
// Removed cart items are expected to have their reservation deleted. A reservation with a
// zero desired amount that still exists is reported as not cleaned up, whether or not the
// cart still lists its product.
// At most one discrepancy is reported per product; checks run in a fixed precedence and
// later ones are only meaningful once the earlier ones hold.
func ReconcileCart(cart models.Cart, reservationsByProduct map[string]models.Reservation, now time.Time) models.ValidationResult {
	var result models.ValidationResult

	productIDs := make([]string, 0, len(cart.Items))
	for id := range cart.Items {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		item := cart.Items[productID]
		resv, ok := reservationsByProduct[productID]
		if !ok {
			result.Add(models.Discrepancy{
				Kind:     models.KindMissingReservation,
				Field:    "productId",
				Expected: productID,
				Actual:   nil,
				Message:  fmt.Sprintf("cart.items contains product_id %s with no backing reservation", productID),
			})
			continue
		}

		if d, found := checkCartItem(productID, item, resv, now); found {
			result.Add(d)
		}
	}

	orphaned := make([]string, 0)
	for productID, resv := range reservationsByProduct {
		if _, inCart := cart.Items[productID]; !inCart && resv.DesiredAmount == 0 {
			orphaned = append(orphaned, productID)
		}
	}
	sort.Strings(orphaned)

	for _, productID := range orphaned {
		result.Add(zeroAmountNotRemoved(productID))
	}

	return result
}

// DuplicateReservations reports every product for which one user's listing holds more
// than one reservation record
func DuplicateReservations(reservations []models.Reservation) []models.Discrepancy {
	counts := make(map[string]int, len(reservations))
	for _, r := range reservations {
		counts[r.ProductID]++
	}

	productIDs := make([]string, 0)
	for id, n := range counts {
		if n > 1 {
			productIDs = append(productIDs, id)
		}
	}
	sort.Strings(productIDs)

	discrepancies := make([]models.Discrepancy, 0, len(productIDs))
	for _, id := range productIDs {
		discrepancies = append(discrepancies, models.Discrepancy{
			Kind:     models.KindDuplicateReservation,
			Field:    "productId",
			Expected: 1,
			Actual:   counts[id],
			Message:  fmt.Sprintf("%d reservations found for product_id %s, expected one per user", counts[id], id),
		})
	}
	return discrepancies
}

func zeroAmountNotRemoved(productID string) models.Discrepancy {
	return models.Discrepancy{
		Kind:     models.KindZeroAmountNotRemoved,
		Field:    "desiredAmount",
		Expected: "reservation removed",
		Actual:   0,
		Message:  fmt.Sprintf("zero amount reservation for product_id %s is not removed", productID),
	}
}

func checkCartItem(productID string, item models.CartItem, resv models.Reservation, now time.Time) (models.Discrepancy, bool) {
	if item.ReservedAmount != resv.ReservedAmount {
		return models.Discrepancy{
			Kind:     models.KindReservedAmountMismatch,
			Field:    "reservedAmount",
			Expected: resv.ReservedAmount,
			Actual:   item.ReservedAmount,
			Message: fmt.Sprintf("cart.items[%s].reservedAmount (%d) and reservation.reservedAmount (%d) value mismatch",
				productID, item.ReservedAmount, resv.ReservedAmount),
		}, true
	}

	if item.DesiredAmount != resv.DesiredAmount {
		return models.Discrepancy{
			Kind:     models.KindDesiredAmountMismatch,
			Field:    "desiredAmount",
			Expected: resv.DesiredAmount,
			Actual:   item.DesiredAmount,
			Message: fmt.Sprintf("cart.items[%s].desiredAmount (%d) and reservation.desiredAmount (%d) value mismatch",
				productID, item.DesiredAmount, resv.DesiredAmount),
		}, true
	}

	if item.DesiredAmount == 0 {
		return zeroAmountNotRemoved(productID), true
	}

	expected := ExpectedStatus(item.DesiredAmount, item.ReservedAmount, resv.ExpiresAt, now)
	if expected != models.ReservationStatusInvalid {
		if item.ReservationStatus != resv.Status {
			return models.Discrepancy{
				Kind:     models.KindStatusMismatch,
				Field:    "reservationStatus",
				Expected: resv.Status,
				Actual:   item.ReservationStatus,
				Message: fmt.Sprintf("cart.items[%s].reservationStatus (%s) and reservation.status (%s) value mismatch",
					productID, item.ReservationStatus, resv.Status),
			}, true
		}
		if item.ReservationStatus != expected {
			return models.Discrepancy{
				Kind:     models.KindWrongStatus,
				Field:    "reservationStatus",
				Expected: expected,
				Actual:   item.ReservationStatus,
				Message: fmt.Sprintf("wrong status for product_id %s: expected %q, got %q",
					productID, expected, item.ReservationStatus),
			}, true
		}
	}

	if item.ReservedAmount > item.DesiredAmount {
		return models.Discrepancy{
			Kind:     models.KindOverReservation,
			Field:    "reservedAmount",
			Expected: fmt.Sprintf("<= %d", item.DesiredAmount),
			Actual:   item.ReservedAmount,
			Message: fmt.Sprintf("invalid amount. reserved_amount (%d) is greater than desired_amount (%d) for product_id %s",
				item.ReservedAmount, item.DesiredAmount, productID),
		}, true
	}

	return models.Discrepancy{}, false
}
