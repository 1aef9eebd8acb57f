// Package etsy is the Etsy Open API v3 client.
package etsy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/shopspring/decimal"
)

// Name is the channel name as stored in the catalog.
const Name = "etsy"

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://openapi.etsy.com"

const pageSize = 100

// Client talks to Etsy for one application key.
type Client struct {
	transport *channel.Transport
	limiter   channel.Limiter
	apiKey    string
}

// New returns a client. The limiter is bound per task with Bind.
func New(baseURL, apiKey string, opts ...channel.TransportOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		transport: channel.NewTransport(Name, baseURL, ReadQuota, opts...),
		apiKey:    apiKey,
	}
}

// Name returns "etsy".
func (c *Client) Name() string { return Name }

// Bind returns a copy of the client drawing permits from lim.
func (c *Client) Bind(lim channel.Limiter) channel.Client {
	cp := *c
	cp.limiter = lim
	return &cp
}

// ReadQuota parses Etsy's rate-limit headers. Both the documented
// X-RateLimit-* pair and the per-day variant are accepted.
func ReadQuota(h http.Header, _ time.Time) (ratelimit.Observation, bool) {
	remaining, ok := headerInt(h, "X-RateLimit-Remaining", "X-Remaining-Today")
	if !ok {
		return ratelimit.Observation{}, false
	}
	limit, _ := headerInt(h, "X-RateLimit-Limit", "X-Limit-Per-Day")
	return ratelimit.Observation{Remaining: remaining, Limit: limit}, true
}

func headerInt(h http.Header, names ...string) (int64, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func (c *Client) do(ctx context.Context, acct channel.Account, call channel.Call, out any) error {
	call.Header = http.Header{}
	call.Header.Set("x-api-key", c.apiKey)
	if acct.AccessToken != "" {
		call.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	}
	return c.transport.Do(ctx, c.limiter, acct, call, out)
}

type money struct {
	Amount       int64  `json:"amount"`
	Divisor      int64  `json:"divisor"`
	CurrencyCode string `json:"currency_code,omitempty"`
}

func (m money) decimal() decimal.Decimal {
	if m.Divisor == 0 {
		return decimal.NewFromInt(m.Amount)
	}
	return decimal.NewFromInt(m.Amount).Div(decimal.NewFromInt(m.Divisor))
}

type listing struct {
	ListingID    int64  `json:"listing_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Quantity     int    `json:"quantity"`
	Price        money  `json:"price"`
	State        string `json:"state"`
	LastModified int64  `json:"last_modified_timestamp"`
}

func (l listing) toChannel() channel.Listing {
	return channel.Listing{
		ListingID:   strconv.FormatInt(l.ListingID, 10),
		Title:       l.Title,
		Description: l.Description,
		Quantity:    l.Quantity,
		Price:       l.Price.decimal(),
		State:       l.State,
		ModifiedAt:  l.LastModified,
	}
}

func (c *Client) ListListings(ctx context.Context, acct channel.Account, cursor string) (*channel.Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("etsy: bad cursor %q", cursor)
		}
		offset = n
	}
	var resp struct {
		Count   int       `json:"count"`
		Results []listing `json:"results"`
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("offset", strconv.Itoa(offset))
	err := c.do(ctx, acct, channel.Call{
		Method: http.MethodGet,
		Path:   "/v3/application/shops/" + url.PathEscape(acct.ShopID) + "/listings",
		Query:  q,
	}, &resp)
	if err != nil {
		return nil, err
	}

	page := &channel.Page{Listings: make([]channel.Listing, 0, len(resp.Results))}
	for _, l := range resp.Results {
		page.Listings = append(page.Listings, l.toChannel())
	}
	if next := offset + len(resp.Results); len(resp.Results) > 0 && next < resp.Count {
		page.Next = strconv.Itoa(next)
	}
	return page, nil
}

func (c *Client) GetListing(ctx context.Context, acct channel.Account, listingID string) (*channel.Listing, error) {
	var l listing
	err := c.do(ctx, acct, channel.Call{
		Method: http.MethodGet,
		Path:   "/v3/application/listings/" + url.PathEscape(listingID),
	}, &l)
	if err != nil {
		return nil, err
	}
	out := l.toChannel()
	return &out, nil
}

func (c *Client) UpdateListing(ctx context.Context, acct channel.Account, in channel.Listing) (*channel.Listing, error) {
	price, _ := in.Price.Float64()
	body := map[string]any{
		"title":       in.Title,
		"description": in.Description,
		"quantity":    in.Quantity,
		"price":       price,
	}
	if in.State != "" {
		body["state"] = in.State
	}
	var l listing
	err := c.do(ctx, acct, channel.Call{
		Method: http.MethodPatch,
		Path:   c.shopListingPath(acct, in.ListingID),
		Body:   body,
	}, &l)
	if err != nil {
		return nil, err
	}
	out := l.toChannel()
	return &out, nil
}

func (c *Client) shopListingPath(acct channel.Account, listingID string) string {
	return "/v3/application/shops/" + url.PathEscape(acct.ShopID) + "/listings/" + url.PathEscape(listingID)
}

func (c *Client) SetAttribute(ctx context.Context, acct channel.Account, listingID, name, value string) error {
	return c.do(ctx, acct, channel.Call{
		Method: http.MethodPut,
		Path:   c.shopListingPath(acct, listingID) + "/properties/" + url.PathEscape(name),
		Body:   map[string]any{"values": []string{value}},
	}, nil)
}

// DeleteAttribute removes a listing property. A property that is already
// gone counts as deleted.
func (c *Client) DeleteAttribute(ctx context.Context, acct channel.Account, listingID, name string) error {
	err := c.do(ctx, acct, channel.Call{
		Method: http.MethodDelete,
		Path:   c.shopListingPath(acct, listingID) + "/properties/" + url.PathEscape(name),
	}, nil)
	if channel.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) UploadImage(ctx context.Context, acct channel.Account, listingID, imageURL string, rank int) (string, error) {
	var resp struct {
		ListingImageID int64 `json:"listing_image_id"`
	}
	err := c.do(ctx, acct, channel.Call{
		Method: http.MethodPost,
		Path:   c.shopListingPath(acct, listingID) + "/images",
		Body:   map[string]any{"url": imageURL, "rank": rank},
	}, &resp)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.ListingImageID, 10), nil
}

func (c *Client) UpdateInventory(ctx context.Context, acct channel.Account, listingID, sku string, quantity int, price decimal.Decimal) error {
	p, _ := price.Float64()
	body := map[string]any{
		"products": []map[string]any{{
			"sku": sku,
			"offerings": []map[string]any{{
				"quantity":   quantity,
				"price":      p,
				"is_enabled": true,
			}},
		}},
	}
	return c.do(ctx, acct, channel.Call{
		Method: http.MethodPut,
		Path:   "/v3/application/listings/" + url.PathEscape(listingID) + "/inventory",
		Body:   body,
	}, nil)
}
