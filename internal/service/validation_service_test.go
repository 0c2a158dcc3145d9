package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"consistency-checker/internal/client"
	"consistency-checker/internal/models"
	"consistency-checker/internal/poller"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeShop struct {
	mu    sync.Mutex
	carts map[string]models.Cart
	fail  map[string]bool
	calls map[string]int
}

func (f *fakeShop) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[userID]++
	if f.fail[userID] {
		return nil, &client.TransportError{Source: "shop", Operation: "GetCart", StatusCode: 500}
	}
	cart, ok := f.carts[userID]
	if !ok {
		return &models.Cart{UserID: userID, Items: map[string]models.CartItem{}}, nil
	}
	return &cart, nil
}

type fakeInventory struct {
	mu           sync.Mutex
	products     []models.Product
	pageOverlap  bool
	pageFunc     func(page, limit int) []models.Product
	listErr      error
	availability map[string]models.Availability
	reservations []models.Reservation
	handled      map[string]int64
	pagesServed  []int

	// availabilityAfter, when set, replaces the availability of a product after that many reads
	availabilityAfter map[string]int
	availabilityLate  map[string]models.Availability
	availabilityReads map[string]int
}

func (f *fakeInventory) ListProducts(ctx context.Context, page, limit int) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pagesServed = append(f.pagesServed, page)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.pageFunc != nil {
		return f.pageFunc(page, limit), nil
	}
	start := (page - 1) * limit
	if f.pageOverlap && page > 1 {
		// a product inserted before the cursor shifts everything by one
		start--
	}
	if start >= len(f.products) {
		return []models.Product{}, nil
	}
	end := start + limit
	if end > len(f.products) {
		end = len(f.products)
	}
	return f.products[start:end], nil
}

func (f *fakeInventory) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	for _, p := range f.products {
		if p.ID == productID {
			p := p
			return &p, nil
		}
	}
	return nil, &client.TransportError{Source: "inventory", Operation: "GetProduct", StatusCode: 404}
}

func (f *fakeInventory) ListReservations(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error) {
	var out []models.Reservation
	for _, r := range f.reservations {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.ProductID != "" && r.ProductID != filter.ProductID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeInventory) GetAvailability(ctx context.Context, productID string) (*models.Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availabilityReads == nil {
		f.availabilityReads = map[string]int{}
	}
	f.availabilityReads[productID]++
	if after, ok := f.availabilityAfter[productID]; ok && f.availabilityReads[productID] > after {
		a := f.availabilityLate[productID]
		return &a, nil
	}
	a, ok := f.availability[productID]
	if !ok {
		return nil, &client.TransportError{Source: "inventory", Operation: "GetAvailability", Err: errors.New("connection refused")}
	}
	return &a, nil
}

func (f *fakeInventory) GetHandledRequestsTotal(ctx context.Context, productID string) (int64, error) {
	v, ok := f.handled[productID]
	if !ok {
		return 0, &client.TransportError{Source: "inventory", Operation: "GetHandledRequestsTotal", StatusCode: 503}
	}
	return v, nil
}

func newTestService(shop CartSource, inv InventorySource, concurrency, pageSize int) *ValidationService {
	return NewValidationService(shop, inv, &poller.Poller{Quantum: time.Millisecond}, ValidationConfig{
		Concurrency:          concurrency,
		PageSize:             pageSize,
		CompareDesiredAmount: true,
		Now:                  func() time.Time { return testNow },
	})
}

func okReservation(userID, productID string, amount int) models.Reservation {
	return models.Reservation{
		ID:             userID + "-" + productID,
		ProductID:      productID,
		UserID:         userID,
		DesiredAmount:  amount,
		ReservedAmount: amount,
		Status:         models.ReservationStatusOK,
		ExpiresAt:      testNow.Add(time.Hour),
	}
}

func TestValidateAllCarts(t *testing.T) {
	users := models.UserIDs("t1", 3)
	shop := &fakeShop{
		carts: map[string]models.Cart{
			users[0]: {UserID: users[0], Items: map[string]models.CartItem{
				"P1": {DesiredAmount: 2, ReservedAmount: 2, ReservationStatus: models.ReservationStatusOK},
			}},
			users[1]: {UserID: users[1], Items: map[string]models.CartItem{
				"P1": {DesiredAmount: 5, ReservedAmount: 5, ReservationStatus: models.ReservationStatusOK},
			}},
		},
		fail: map[string]bool{users[2]: true},
	}
	inv := &fakeInventory{reservations: []models.Reservation{
		okReservation(users[0], "P1", 2),
		okReservation(users[1], "P1", 3),
	}}

	reports := newTestService(shop, inv, 2, 10).ValidateAllCarts(context.Background(), users, 2)

	require.Len(t, reports, 3)

	assert.Equal(t, models.EntityStatusConsistent, reports[users[0]].Status)
	assert.Equal(t, 1, reports[users[0]].Attempts)

	inconsistent := reports[users[1]]
	assert.Equal(t, models.EntityStatusInconsistent, inconsistent.Status)
	assert.Equal(t, 3, inconsistent.Attempts, "a budget of 2 gives 3 checks")
	require.Len(t, inconsistent.Discrepancies.Discrepancies, 1)
	assert.Equal(t, models.KindReservedAmountMismatch, inconsistent.Discrepancies.Discrepancies[0].Kind)

	errored := reports[users[2]]
	assert.Equal(t, models.EntityStatusError, errored.Status)
	assert.Equal(t, 1, errored.Attempts, "transport errors are not retried")
	assert.Contains(t, errored.Error, "500")
	assert.Equal(t, 1, shop.calls[users[2]])
}

func TestValidateAllCarts_BudgetIsPerUser(t *testing.T) {
	users := models.UserIDs("t1", 4)
	carts := map[string]models.Cart{}
	for _, u := range users {
		carts[u] = models.Cart{UserID: u, Items: map[string]models.CartItem{
			"P1": {DesiredAmount: 1, ReservedAmount: 1, ReservationStatus: models.ReservationStatusOK},
		}}
	}
	shop := &fakeShop{carts: carts}

	reports := newTestService(shop, &fakeInventory{}, 1, 10).ValidateAllCarts(context.Background(), users, 3)

	for _, u := range users {
		assert.Equal(t, models.EntityStatusInconsistent, reports[u].Status)
		assert.Equal(t, 4, reports[u].Attempts, "every user keeps its full budget")
		assert.Equal(t, models.KindMissingReservation, reports[u].Discrepancies.Discrepancies[0].Kind)
	}
}

func TestValidateAllCarts_Cancelled(t *testing.T) {
	users := models.UserIDs("t1", 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports := newTestService(&fakeShop{}, &fakeInventory{}, 2, 10).ValidateAllCarts(ctx, users, 5)

	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, models.EntityStatusInterrupted, r.Status)
		assert.Zero(t, r.Attempts)
	}
}

// slowShop blocks each cart read briefly and tracks how many reads overlap
type slowShop struct {
	inFlight int32
	peak     int32
}

func (s *slowShop) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &models.Cart{UserID: userID, Items: map[string]models.CartItem{}}, nil
}

func TestValidateAllCarts_BoundedConcurrency(t *testing.T) {
	users := models.UserIDs("t1", 12)
	shop := &slowShop{}

	reports := newTestService(shop, &fakeInventory{}, 3, 10).ValidateAllCarts(context.Background(), users, 0)

	require.Len(t, reports, 12)
	peak := atomic.LoadInt32(&shop.peak)
	assert.LessOrEqual(t, peak, int32(3), "never more checks in flight than the concurrency limit")
	assert.Greater(t, peak, int32(1), "checks run in parallel up to the limit")
}

func TestValidateAllCarts_InterruptedDiffersFromOutage(t *testing.T) {
	users := models.UserIDs("t1", 2)
	shop := &fakeShop{
		carts: map[string]models.Cart{
			users[0]: {UserID: users[0], Items: map[string]models.CartItem{
				"P1": {DesiredAmount: 1, ReservedAmount: 1, ReservationStatus: models.ReservationStatusOK},
			}},
		},
		fail: map[string]bool{users[1]: true},
	}
	svc := NewValidationService(shop, &fakeInventory{}, &poller.Poller{Quantum: 10 * time.Millisecond}, ValidationConfig{
		Concurrency: 2,
		Now:         func() time.Time { return testNow },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	reports := svc.ValidateAllCarts(ctx, users, 1000)

	assert.Equal(t, models.EntityStatusInterrupted, reports[users[0]].Status, "still polling when the run was cancelled")
	assert.GreaterOrEqual(t, reports[users[0]].Attempts, 1)
	assert.Equal(t, models.EntityStatusError, reports[users[1]].Status, "failed before the cancellation")
}

func testProducts(n int) []models.Product {
	products := make([]models.Product, n)
	for i := range products {
		products[i] = models.Product{ID: fmt.Sprintf("P%02d", i+1), Name: fmt.Sprintf("test_t1_product_%d", i+1), Stock: 10}
	}
	return products
}

func TestListProductIDs_Paginates(t *testing.T) {
	inv := &fakeInventory{products: testProducts(7)}

	ids, err := newTestService(&fakeShop{}, inv, 1, 3).ListProductIDs(context.Background())
	require.NoError(t, err)

	assert.Len(t, ids, 7)
	assert.Equal(t, []int{1, 2, 3}, inv.pagesServed, "paging starts at 1 and stops on the short page")
}

func TestListProductIDs_ExactMultipleStopsOnEmptyPage(t *testing.T) {
	inv := &fakeInventory{products: testProducts(6)}

	ids, err := newTestService(&fakeShop{}, inv, 1, 3).ListProductIDs(context.Background())
	require.NoError(t, err)

	assert.Len(t, ids, 6)
	assert.Equal(t, []int{1, 2, 3}, inv.pagesServed)
}

func TestListProductIDs_DeduplicatesShiftedPages(t *testing.T) {
	inv := &fakeInventory{products: testProducts(7), pageOverlap: true}

	ids, err := newTestService(&fakeShop{}, inv, 1, 3).ListProductIDs(context.Background())
	require.NoError(t, err)

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Len(t, ids, 7, "no product is checked twice and none is skipped")
	assert.Equal(t, "P01", sorted[0])
	assert.Equal(t, "P07", sorted[6])
}

func TestListProductIDs_RepeatedFullPageDoesNotEndListing(t *testing.T) {
	products := testProducts(7)
	inv := &fakeInventory{pageFunc: func(page, limit int) []models.Product {
		switch page {
		case 1, 2:
			// a shift makes page 2 repeat page 1 entirely
			return products[0:3]
		case 3:
			return products[3:6]
		case 4:
			return products[6:7]
		}
		return nil
	}}

	ids, err := newTestService(&fakeShop{}, inv, 1, 3).ListProductIDs(context.Background())
	require.NoError(t, err)

	assert.Len(t, ids, 7, "later pages are still read")
	assert.Equal(t, []int{1, 2, 3, 4}, inv.pagesServed)
}

func TestListProductIDs_PageCap(t *testing.T) {
	inv := &fakeInventory{pageFunc: func(page, limit int) []models.Product {
		return testProducts(limit)
	}}
	svc := NewValidationService(&fakeShop{}, inv, nil, ValidationConfig{PageSize: 3, MaxPages: 5})

	_, err := svc.ListProductIDs(context.Background())

	require.Error(t, err)
	assert.Len(t, inv.pagesServed, 5)
}

func TestValidateAllProducts(t *testing.T) {
	products := testProducts(3)
	inv := &fakeInventory{
		products: products,
		reservations: []models.Reservation{
			okReservation("VU_1_t1", "P01", 2),
			okReservation("VU_2_t1", "P01", 3),
			okReservation("VU_1_t1", "P02", 4),
		},
		availability: map[string]models.Availability{
			"P01": {ProductID: "P01", Stock: 10, ReservedAmount: 5},
			"P02": {ProductID: "P02", Stock: 10, ReservedAmount: 1},
		},
	}

	reports, err := newTestService(&fakeShop{}, inv, 3, 2).ValidateAllProducts(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	assert.Equal(t, models.EntityStatusConsistent, reports["P01"].Status)

	assert.Equal(t, models.EntityStatusInconsistent, reports["P02"].Status)
	assert.Equal(t, 2, reports["P02"].Attempts)
	d := reports["P02"].Discrepancies.Discrepancies[0]
	assert.Equal(t, models.KindAggregateReservedMismatch, d.Kind)
	assert.Equal(t, 4, d.Expected)
	assert.Equal(t, 1, d.Actual)

	assert.Equal(t, models.EntityStatusError, reports["P03"].Status, "a failing product does not affect the others")
	assert.Contains(t, reports["P03"].Error, "connection refused")
}

func TestValidateAllProducts_ConvergesWithinBudget(t *testing.T) {
	inv := &fakeInventory{
		products:          testProducts(1),
		reservations:      []models.Reservation{okReservation("VU_1_t1", "P01", 2)},
		availability:      map[string]models.Availability{"P01": {Stock: 10, ReservedAmount: 0}},
		availabilityAfter: map[string]int{"P01": 2},
		availabilityLate:  map[string]models.Availability{"P01": {Stock: 10, ReservedAmount: 2}},
	}

	reports, err := newTestService(&fakeShop{}, inv, 1, 10).ValidateAllProducts(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, models.EntityStatusConsistent, reports["P01"].Status)
	assert.Equal(t, 3, reports["P01"].Attempts)
}

func TestValidateAllProducts_ListingFailure(t *testing.T) {
	inv := &fakeInventory{listErr: &client.TransportError{Source: "inventory", Operation: "ListProducts", StatusCode: 502}}

	_, err := newTestService(&fakeShop{}, inv, 1, 10).ValidateAllProducts(context.Background(), 1)

	var terr *client.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 502, terr.StatusCode)
}

func TestCountHandledRequests(t *testing.T) {
	inv := &fakeInventory{handled: map[string]int64{"P01": 10, "P02": 7}}
	svc := newTestService(&fakeShop{}, inv, 2, 10)

	summary, err := svc.CountHandledRequests(context.Background(), []string{"P01", "P02"})
	require.NoError(t, err)
	assert.Equal(t, int64(17), summary.Total)
	assert.Equal(t, int64(7), summary.ByProduct["P02"])

	_, err = svc.CountHandledRequests(context.Background(), []string{"P01", "P03"})
	assert.Error(t, err)
}
