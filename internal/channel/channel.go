// Package channel holds what the channel API clients share: the listing
// model, the client interface sync operations program against, and a
// rate-limited HTTP transport.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nlstn/go-channelsync/internal/ratelimit"
	"github.com/shopspring/decimal"
)

// ErrUnsupported is returned for operations a channel has no API for.
var ErrUnsupported = errors.New("channel: operation not supported")

// Account is what a client needs to act for one merchant account.
type Account struct {
	Key         ratelimit.AccountKey
	AccessToken string
	// ShopID is the channel's id of the shop.
	ShopID string
}

// Listing is a product as a channel returns it.
type Listing struct {
	ListingID   string          `json:"listingId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	State       string          `json:"state"`
	// ModifiedAt is the channel's last-modified unix timestamp.
	ModifiedAt int64 `json:"modifiedAt"`
}

// Page is one page of a shop's listings.
type Page struct {
	Listings []Listing
	// Next is the cursor of the following page, empty on the last one.
	Next string
}

// Client is the API surface sync operations use.
type Client interface {
	Name() string
	// Bind returns a client whose calls draw permits from lim.
	Bind(lim Limiter) Client
	ListListings(ctx context.Context, acct Account, cursor string) (*Page, error)
	GetListing(ctx context.Context, acct Account, listingID string) (*Listing, error)
	UpdateListing(ctx context.Context, acct Account, l Listing) (*Listing, error)
	SetAttribute(ctx context.Context, acct Account, listingID, name, value string) error
	UploadImage(ctx context.Context, acct Account, listingID, url string, rank int) (string, error)
	UpdateInventory(ctx context.Context, acct Account, listingID, sku string, quantity int, price decimal.Decimal) error
}

// AttributeDeleter is implemented by clients whose channel can remove a
// single attribute.
type AttributeDeleter interface {
	DeleteAttribute(ctx context.Context, acct Account, listingID, name string) error
}

// APIError is a non-2xx channel response.
type APIError struct {
	Channel    string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Channel, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Channel, e.StatusCode, e.Message)
}

// Retryable reports whether the same call may succeed later: throttling,
// server errors, timeouts and expired tokens.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusUnauthorized:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is a 404 from a channel.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
