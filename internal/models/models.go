package models

import (
	"fmt"
	"time"
)

// ReservationStatus is the state of a reservation as reported by the inventory service
type ReservationStatus string

// Reservation statuses
const (
	ReservationStatusOK                ReservationStatus = "OK"
	ReservationStatusInsufficientStock ReservationStatus = "INSUFFICIENT_STOCK"
	ReservationStatusExpired           ReservationStatus = "EXPIRED"

	// ReservationStatusInvalid is never stored by the services. It is what the
	// status table yields when more stock was reserved than desired.
	ReservationStatusInvalid ReservationStatus = "INVALID"
)

// Product represents a product in the inventory catalog
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

// CartItem is one product line of a user's cart
type CartItem struct {
	DesiredAmount     int               `json:"desiredAmount"`
	ReservedAmount    int               `json:"reservedAmount"`
	ReservationStatus ReservationStatus `json:"reservationStatus"`
}

// Cart is a user's cart keyed by product ID
type Cart struct {
	UserID string              `json:"userId"`
	Items  map[string]CartItem `json:"items"`
}

// Reservation is the inventory service record for one (product, user) pair
type Reservation struct {
	ID             string            `json:"id"`
	ProductID      string            `json:"productId"`
	UserID         string            `json:"userId"`
	DesiredAmount  int               `json:"desiredAmount"`
	ReservedAmount int               `json:"reservedAmount"`
	Status         ReservationStatus `json:"status"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	RequestedAt    time.Time         `json:"requestedAt,omitempty"`
}

// Availability is the per-product aggregate kept by the inventory service.
// DesiredAmount is nil on deployments that do not expose it.
type Availability struct {
	ProductID      string `json:"productId"`
	Stock          int    `json:"stock"`
	ReservedAmount int    `json:"reservedAmount"`
	DesiredAmount  *int   `json:"desiredAmount,omitempty"`
}

// ReservationFilter selects reservations by user or by product
type ReservationFilter struct {
	UserID    string `json:"userId,omitempty"`
	ProductID string `json:"productId,omitempty"`
}

// ProductPage requests one page of the product listing
type ProductPage struct {
	NameSearch string `json:"nameSearch,omitempty"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
}

// UserIDs returns the IDs the load generator assigns to its virtual users
func UserIDs(testID string, totalUsers int) []string {
	ids := make([]string, 0, totalUsers)
	for i := 1; i <= totalUsers; i++ {
		ids = append(ids, fmt.Sprintf("VU_%d_%s", i, testID))
	}
	return ids
}

// ProductNamePrefix is the name prefix of the products seeded for a test
func ProductNamePrefix(testID string) string {
	return fmt.Sprintf("test_%s_product_", testID)
}
