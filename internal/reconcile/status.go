package reconcile

import (
	"time"

	"consistency-checker/internal/models"
)

// ExpectedStatus returns the status a reservation with the given amounts must carry at now.
// Expiry wins over amounts. INVALID means more was reserved than desired, which is always a defect.
func ExpectedStatus(desiredAmount, reservedAmount int, expiresAt, now time.Time) models.ReservationStatus {
	switch {
	case !expiresAt.After(now):
		return models.ReservationStatusExpired
	case reservedAmount == desiredAmount:
		return models.ReservationStatusOK
	case reservedAmount < desiredAmount:
		return models.ReservationStatusInsufficientStock
	default:
		return models.ReservationStatusInvalid
	}
}
