package models

import (
	"encoding/json"
	"time"
)

// Discrepancy kinds
const (
	KindMissingReservation        = "missing_reservation"
	KindReservedAmountMismatch    = "reserved_amount_mismatch"
	KindDesiredAmountMismatch     = "desired_amount_mismatch"
	KindZeroAmountNotRemoved      = "zero_amount_not_removed"
	KindDuplicateReservation      = "duplicate_reservation"
	KindStatusMismatch            = "status_mismatch"
	KindWrongStatus               = "wrong_status"
	KindOverReservation           = "over_reservation"
	KindStockMismatch             = "stock_mismatch"
	KindAggregateReservedMismatch = "aggregate_reserved_mismatch"
	KindAggregateDesiredMismatch  = "aggregate_desired_mismatch"
)

// Discrepancy is one disagreement between two data sources on the same field
type Discrepancy struct {
	Kind     string      `json:"kind"`
	Field    string      `json:"field"`
	Expected interface{} `json:"expected"`
	Actual   interface{} `json:"actual"`
	Message  string      `json:"message"`
}

// ValidationResult is the outcome of checking one entity. No discrepancies means consistent.
type ValidationResult struct {
	Discrepancies []Discrepancy
}

// Consistent reports whether no discrepancy was found
func (r ValidationResult) Consistent() bool {
	return len(r.Discrepancies) == 0
}

// Add appends a discrepancy
func (r *ValidationResult) Add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

// MarshalJSON encodes a consistent result as null and an inconsistent one as its discrepancy list
func (r ValidationResult) MarshalJSON() ([]byte, error) {
	if r.Consistent() {
		return []byte("null"), nil
	}
	return json.Marshal(r.Discrepancies)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (r *ValidationResult) UnmarshalJSON(data []byte) error {
	var ds []Discrepancy
	if err := json.Unmarshal(data, &ds); err != nil {
		return err
	}
	r.Discrepancies = ds
	return nil
}

// Entity types
const (
	EntityTypeCart    = "cart"
	EntityTypeProduct = "product"
)

// EntityStatus is the final verdict for one entity
type EntityStatus string

// Entity statuses
const (
	EntityStatusConsistent   EntityStatus = "CONSISTENT"
	EntityStatusInconsistent EntityStatus = "INCONSISTENT"
	EntityStatusError        EntityStatus = "ERROR"
	EntityStatusInterrupted  EntityStatus = "INTERRUPTED"
)

// EntityReport is the report entry for one checked entity
type EntityReport struct {
	EntityID      string           `json:"entity_id"`
	EntityType    string           `json:"entity_type"`
	Status        EntityStatus     `json:"status"`
	Attempts      int              `json:"attempts"`
	Discrepancies ValidationResult `json:"discrepancies"`
	Error         string           `json:"error,omitempty"`
}

// HandledRequestsSummary aggregates the inventory service's handled reservation request counters
type HandledRequestsSummary struct {
	ByProduct map[string]int64 `json:"by_product"`
	Total     int64            `json:"total"`
}

// Run statuses
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// Report is the aggregated result of one validation run
type Report struct {
	RunID           string                  `json:"run_id"`
	TestID          string                  `json:"test_id"`
	Status          string                  `json:"status"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at,omitempty"`
	Carts           map[string]EntityReport `json:"carts"`
	Products        map[string]EntityReport `json:"products"`
	HandledRequests *HandledRequestsSummary `json:"handled_requests,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// ReportCounts summarises a report by entity status
type ReportCounts struct {
	Consistent   int `json:"consistent"`
	Inconsistent int `json:"inconsistent"`
	Errored      int `json:"errored"`
	Interrupted  int `json:"interrupted"`
}

// Counts tallies cart and product entries by status
func (r *Report) Counts() ReportCounts {
	var c ReportCounts
	for _, group := range []map[string]EntityReport{r.Carts, r.Products} {
		for _, e := range group {
			switch e.Status {
			case EntityStatusConsistent:
				c.Consistent++
			case EntityStatusInconsistent:
				c.Inconsistent++
			case EntityStatusInterrupted:
				c.Interrupted++
			default:
				c.Errored++
			}
		}
	}
	return c
}

// Consistent reports whether the run finished and every entity converged
func (r *Report) Consistent() bool {
	if r.Error != "" {
		return false
	}
	c := r.Counts()
	return c.Inconsistent == 0 && c.Errored == 0 && c.Interrupted == 0
}
