package client

import (
	"context"
	"net/http"
	"net/url"

	"consistency-checker/internal/models"
)

const sourceInventory = "inventory"

// InventoryClient reads products, reservations and availabilities from the inventory admin API
type InventoryClient struct {
	api        *jsonAPI
	nameSearch string
}

// NewInventoryClient creates a client for the inventory admin API. nameSearch restricts
// product listings to the products seeded for one test.
func NewInventoryClient(httpClient *http.Client, baseURL, nameSearch string) *InventoryClient {
	return &InventoryClient{
		api:        &jsonAPI{source: sourceInventory, baseURL: baseURL, http: httpClient},
		nameSearch: nameSearch,
	}
}

// WithNameSearch returns a copy of the client listing products under another name prefix
func (c *InventoryClient) WithNameSearch(nameSearch string) *InventoryClient {
	return &InventoryClient{api: c.api, nameSearch: nameSearch}
}

// ListProducts returns one page of products. Pages start at 1.
func (c *InventoryClient) ListProducts(ctx context.Context, page, limit int) ([]models.Product, error) {
	body := models.ProductPage{NameSearch: c.nameSearch, Page: page, Limit: limit}

	var products []models.Product
	if err := c.api.list(ctx, "ListProducts", "/api/v1/admin/products/list", body, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// GetProduct returns a single product
func (c *InventoryClient) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var product models.Product
	path := "/api/v1/admin/products/" + url.PathEscape(productID)
	if err := c.api.get(ctx, "GetProduct", path, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// ListReservations returns every reservation matching the filter
func (c *InventoryClient) ListReservations(ctx context.Context, filter models.ReservationFilter) ([]models.Reservation, error) {
	var reservations []models.Reservation
	if err := c.api.list(ctx, "ListReservations", "/api/v1/admin/product-reservations/list", filter, &reservations); err != nil {
		return nil, err
	}
	return reservations, nil
}

// GetAvailability returns the availability aggregate of a product
func (c *InventoryClient) GetAvailability(ctx context.Context, productID string) (*models.Availability, error) {
	var availability models.Availability
	path := "/api/v1/admin/product-availabilities/" + url.PathEscape(productID)
	if err := c.api.get(ctx, "GetAvailability", path, &availability); err != nil {
		return nil, err
	}
	if availability.ProductID == "" {
		availability.ProductID = productID
	}
	return &availability, nil
}

// GetHandledRequestsTotal returns how many reservation requests the inventory service handled for a product
func (c *InventoryClient) GetHandledRequestsTotal(ctx context.Context, productID string) (int64, error) {
	var data struct {
		HandledTotal int64 `json:"handledTotal"`
	}
	path := "/api/v1/admin/product-reservations/reservation-requests-handled-total/" + url.PathEscape(productID)
	if err := c.api.get(ctx, "GetHandledRequestsTotal", path, &data); err != nil {
		return 0, err
	}
	return data.HandledTotal, nil
}
