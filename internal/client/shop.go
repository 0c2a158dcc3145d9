package client

import (
	"context"
	"net/http"
	"net/url"

	"consistency-checker/internal/models"
)

const sourceShop = "shop"

// ShopClient reads user carts from the shop API
type ShopClient struct {
	api *jsonAPI
}

// NewShopClient creates a shop API client
func NewShopClient(httpClient *http.Client, baseURL string) *ShopClient {
	return &ShopClient{api: &jsonAPI{source: sourceShop, baseURL: baseURL, http: httpClient}}
}

// GetCart loads a user's cart. A user without a cart yields an empty item map.
func (c *ShopClient) GetCart(ctx context.Context, userID string) (*models.Cart, error) {
	var cart models.Cart
	if err := c.api.get(ctx, "GetCart", "/api/v1/carts/"+url.PathEscape(userID), &cart); err != nil {
		return nil, err
	}
	if cart.UserID == "" {
		cart.UserID = userID
	}
	if cart.Items == nil {
		cart.Items = map[string]models.CartItem{}
	}
	return &cart, nil
}
