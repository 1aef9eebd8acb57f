// Package shopify is the Shopify Admin REST API client.
//
// Shopify throttles with a leaky bucket per shop and reports its fill level
// in X-Shopify-Shop-Api-Call-Limit; a throttled call carries Retry-After.
package shopify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/shopspring/decimal"
)

// Name is the channel name as stored in the catalog.
const Name = "shopify"

// DefaultBaseURL is the shop host template; {shop} is the shop handle.
const DefaultBaseURL = "https://{shop}.myshopify.com"

const (
	apiVersion = "2024-01"
	pageSize   = 50
	// metafieldNamespace holds attributes written by the engine.
	metafieldNamespace = "channelsync"
)

// Client talks to Shopify shops.
type Client struct {
	transport *channel.Transport
	limiter   channel.Limiter
	baseURL   string
}

// New returns a client. baseURL may contain {shop}, replaced per account.
func New(baseURL string, opts ...channel.TransportOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		transport: channel.NewTransport(Name, "", ReadQuota, opts...),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// Name returns "shopify".
func (c *Client) Name() string { return Name }

// Bind returns a copy of the client drawing permits from lim.
func (c *Client) Bind(lim channel.Limiter) channel.Client {
	cp := *c
	cp.limiter = lim
	return &cp
}

// ReadQuota parses the call-limit header ("used/limit") and Retry-After.
func ReadQuota(h http.Header, now time.Time) (ratelimit.Observation, bool) {
	var obs ratelimit.Observation
	found := false
	if v := h.Get("X-Shopify-Shop-Api-Call-Limit"); v != "" {
		used, limit, ok := parseCallLimit(v)
		if ok {
			obs.Remaining = limit - used
			obs.Limit = limit
			found = true
		}
	}
	if d := channel.ParseRetryAfter(h.Get("Retry-After"), now); d > 0 {
		obs.Remaining = 0
		obs.ResetAt = now.Add(d)
		found = true
	}
	return obs, found
}

func parseCallLimit(v string) (used, limit int64, ok bool) {
	a, b, found := strings.Cut(strings.TrimSpace(v), "/")
	if !found {
		return 0, 0, false
	}
	used, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	limit, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || limit <= 0 {
		return 0, 0, false
	}
	return used, limit, true
}

func (c *Client) do(ctx context.Context, acct channel.Account, method, path string, q url.Values, body, out any) error {
	h := http.Header{}
	h.Set("X-Shopify-Access-Token", acct.AccessToken)
	base := strings.ReplaceAll(c.baseURL, "{shop}", url.PathEscape(acct.ShopID))
	return c.transport.Do(ctx, c.limiter, acct, channel.Call{
		Method: method,
		Path:   base + "/admin/api/" + apiVersion + path,
		Query:  q,
		Body:   body,
		Header: h,
	}, out)
}

type variant struct {
	ID                int64  `json:"id,omitempty"`
	SKU               string `json:"sku,omitempty"`
	Price             string `json:"price,omitempty"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

type product struct {
	ID        int64     `json:"id,omitempty"`
	Title     string    `json:"title,omitempty"`
	BodyHTML  string    `json:"body_html,omitempty"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
	Variants  []variant `json:"variants,omitempty"`
}

func (p product) toChannel() channel.Listing {
	l := channel.Listing{
		ListingID:   strconv.FormatInt(p.ID, 10),
		Title:       p.Title,
		Description: p.BodyHTML,
		State:       p.Status,
	}
	for i, v := range p.Variants {
		l.Quantity += v.InventoryQuantity
		if i == 0 {
			l.Price, _ = decimal.NewFromString(v.Price)
		}
	}
	if t, err := time.Parse(time.RFC3339, p.UpdatedAt); err == nil {
		l.ModifiedAt = t.Unix()
	}
	return l
}

func (c *Client) ListListings(ctx context.Context, acct channel.Account, cursor string) (*channel.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("since_id", cursor)
	}
	var resp struct {
		Products []product `json:"products"`
	}
	if err := c.do(ctx, acct, http.MethodGet, "/products.json", q, nil, &resp); err != nil {
		return nil, err
	}
	page := &channel.Page{Listings: make([]channel.Listing, 0, len(resp.Products))}
	for _, p := range resp.Products {
		page.Listings = append(page.Listings, p.toChannel())
	}
	if len(resp.Products) == pageSize {
		page.Next = strconv.FormatInt(resp.Products[len(resp.Products)-1].ID, 10)
	}
	return page, nil
}

func (c *Client) getProduct(ctx context.Context, acct channel.Account, id string) (*product, error) {
	var resp struct {
		Product product `json:"product"`
	}
	if err := c.do(ctx, acct, http.MethodGet, "/products/"+url.PathEscape(id)+".json", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Product, nil
}

func (c *Client) GetListing(ctx context.Context, acct channel.Account, listingID string) (*channel.Listing, error) {
	p, err := c.getProduct(ctx, acct, listingID)
	if err != nil {
		return nil, err
	}
	out := p.toChannel()
	return &out, nil
}

func (c *Client) UpdateListing(ctx context.Context, acct channel.Account, in channel.Listing) (*channel.Listing, error) {
	id, err := strconv.ParseInt(in.ListingID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("shopify: bad product id %q", in.ListingID)
	}
	req := struct {
		Product product `json:"product"`
	}{Product: product{ID: id, Title: in.Title, BodyHTML: in.Description, Status: in.State}}
	var resp struct {
		Product product `json:"product"`
	}
	if err := c.do(ctx, acct, http.MethodPut, "/products/"+in.ListingID+".json", nil, req, &resp); err != nil {
		return nil, err
	}
	out := resp.Product.toChannel()
	return &out, nil
}

// SetAttribute writes the attribute as a product metafield.
func (c *Client) SetAttribute(ctx context.Context, acct channel.Account, listingID, name, value string) error {
	body := map[string]any{"metafield": map[string]any{
		"namespace": metafieldNamespace,
		"key":       name,
		"value":     value,
		"type":      "single_line_text_field",
	}}
	return c.do(ctx, acct, http.MethodPost, "/products/"+url.PathEscape(listingID)+"/metafields.json", nil, body, nil)
}

func (c *Client) UploadImage(ctx context.Context, acct channel.Account, listingID, imageURL string, rank int) (string, error) {
	body := map[string]any{"image": map[string]any{"src": imageURL, "position": rank}}
	var resp struct {
		Image struct {
			ID int64 `json:"id"`
		} `json:"image"`
	}
	if err := c.do(ctx, acct, http.MethodPost, "/products/"+url.PathEscape(listingID)+"/images.json", nil, body, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.Image.ID, 10), nil
}

// UpdateInventory finds the variant by SKU and sets its price and stock.
func (c *Client) UpdateInventory(ctx context.Context, acct channel.Account, listingID, sku string, quantity int, price decimal.Decimal) error {
	p, err := c.getProduct(ctx, acct, listingID)
	if err != nil {
		return err
	}
	var target *variant
	for i := range p.Variants {
		if p.Variants[i].SKU == sku {
			target = &p.Variants[i]
			break
		}
	}
	if target == nil {
		return &channel.APIError{Channel: Name, StatusCode: http.StatusNotFound, Message: fmt.Sprintf("no variant with sku %q", sku)}
	}
	body := map[string]any{"variant": variant{
		ID:                target.ID,
		Price:             price.StringFixed(2),
		InventoryQuantity: quantity,
	}}
	return c.do(ctx, acct, http.MethodPut, "/variants/"+strconv.FormatInt(target.ID, 10)+".json", nil, body, nil)
}
