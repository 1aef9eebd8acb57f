package shopify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var acct = channel.Account{
	Key:         ratelimit.AccountKey{CompanyID: 5, ChannelID: 2, AccountID: "shop-owner"},
	AccessToken: "shpat",
	ShopID:      "acme",
}

func TestReadQuota(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("X-Shopify-Shop-Api-Call-Limit", "32/40")
	obs, ok := ReadQuota(h, now)
	require.True(t, ok)
	assert.Equal(t, int64(8), obs.Remaining)
	assert.Equal(t, int64(40), obs.Limit)
	assert.True(t, obs.ResetAt.IsZero())

	h.Set("Retry-After", "2.0")
	obs, ok = ReadQuota(h, now)
	require.True(t, ok)
	assert.Zero(t, obs.Remaining)
	assert.True(t, obs.ResetAt.Equal(now.Add(2*time.Second)))

	_, ok = ReadQuota(http.Header{"X-Shopify-Shop-Api-Call-Limit": {"garbage"}}, now)
	assert.False(t, ok)
}

func TestListListingsUsesSinceID(t *testing.T) {
	var sinceIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/api/2024-01/products.json", r.URL.Path)
		assert.Equal(t, "shpat", r.Header.Get("X-Shopify-Access-Token"))
		sinceIDs = append(sinceIDs, r.URL.Query().Get("since_id"))
		w.Header().Set("X-Shopify-Shop-Api-Call-Limit", "1/40")
		_ = json.NewEncoder(w).Encode(map[string]any{"products": []map[string]any{
			{
				"id": 11, "title": "Mug", "status": "active", "updated_at": "2024-02-01T10:00:00Z",
				"variants": []map[string]any{
					{"id": 1, "sku": "MUG-S", "price": "9.50", "inventory_quantity": 2},
					{"id": 2, "sku": "MUG-L", "price": "12.00", "inventory_quantity": 3},
				},
			},
			{"id": 12, "title": "Cup", "status": "draft"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	page, err := c.ListListings(context.Background(), acct, "10")
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, sinceIDs)
	require.Len(t, page.Listings, 2)
	// fewer than a full page means this is the last one
	assert.Empty(t, page.Next)

	mug := page.Listings[0]
	assert.Equal(t, "11", mug.ListingID)
	assert.Equal(t, 5, mug.Quantity)
	assert.True(t, decimal.RequireFromString("9.5").Equal(mug.Price))
	assert.Equal(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC).Unix(), mug.ModifiedAt)
}

func TestBaseURLShopTemplate(t *testing.T) {
	var host string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host = r.URL.Path
		_, _ = w.Write([]byte(`{"product":{"id":11,"title":"Mug"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/{shop}")
	l, err := c.GetListing(context.Background(), acct, "11")
	require.NoError(t, err)
	assert.Equal(t, "Mug", l.Title)
	assert.Equal(t, "/acme/admin/api/2024-01/products/11.json", host)
}

func TestUpdateInventoryTargetsVariantBySKU(t *testing.T) {
	var put map[string]map[string]any
	var putPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"product":{"id":11,"variants":[{"id":1,"sku":"MUG-S"},{"id":2,"sku":"MUG-L"}]}}`))
		case http.MethodPut:
			putPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&put)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.UpdateInventory(context.Background(), acct, "11", "MUG-L", 7, decimal.RequireFromString("12")))
	assert.Equal(t, "/admin/api/2024-01/variants/2.json", putPath)
	assert.Equal(t, "12.00", put["variant"]["price"])
	assert.Equal(t, float64(7), put["variant"]["inventory_quantity"])

	err := c.UpdateInventory(context.Background(), acct, "11", "NOPE", 1, decimal.Zero)
	assert.True(t, channel.IsNotFound(err))
}

func TestShopifyHasNoAttributeDelete(t *testing.T) {
	var client channel.Client = New("")
	_, ok := client.(channel.AttributeDeleter)
	assert.False(t, ok)
}
