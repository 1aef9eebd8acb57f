// Package syncops implements the channel sync operations: shop
// reconciliation, product download and upload, attribute, image and
// inventory pushes. Handlers are registered per channel client.
package syncops

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/payload"
	"github.com/nlstn/go-channelsync/internal/ratelimit"
)

// Handlers carries what the sync operations share.
type Handlers struct {
	catalog catalog.Catalog
	client  channel.Client
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// New returns the handlers for one channel client.
func New(cat catalog.Catalog, client channel.Client, opts ...Option) *Handlers {
	h := &Handlers{
		catalog: cat,
		client:  client,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register adds every operation the client supports under its channel name.
// delete_attribute is only registered for clients that can delete.
func Register(reg *operation.Registry, cat catalog.Catalog, client channel.Client, opts ...Option) error {
	if reg == nil || cat == nil || client == nil {
		return errors.New("syncops: registry, catalog and client are required")
	}
	h := New(cat, client, opts...)
	ops := map[string]operation.HandlerFunc{
		payload.OpSyncShop:        h.SyncShop,
		payload.OpSyncProduct:     h.SyncProduct,
		payload.OpUpdateAttribute: h.UpdateAttribute,
		payload.OpUploadImage:     h.UploadImage,
		payload.OpUpdateInventory: h.UpdateInventory,
	}
	if _, ok := client.(channel.AttributeDeleter); ok {
		ops[payload.OpDeleteAttribute] = h.DeleteAttribute
	}
	for op, fn := range ops {
		if err := reg.Register(client.Name(), op, fn); err != nil {
			return err
		}
	}
	return nil
}

// bind returns the client drawing permits from the request's limiter.
func (h *Handlers) bind(req *operation.Request) channel.Client {
	return h.client.Bind(req.Limiter)
}

func accountFor(shop *catalog.Shop) (channel.Account, error) {
	if shop == nil || shop.Account == nil {
		return channel.Account{}, fmt.Errorf("%w: shop without account", catalog.ErrNotFound)
	}
	acc := shop.Account
	return channel.Account{
		Key: ratelimit.AccountKey{
			CompanyID: acc.CompanyID,
			ChannelID: acc.ChannelID,
			AccountID: acc.ExternalID,
		},
		AccessToken: acc.AccessToken,
		ShopID:      shop.ChannelShopID,
	}, nil
}

func decode[T payload.Payload](req *operation.Request) (T, error) {
	p, err := payload.DecodeAs[T](req.Payload)
	if err != nil {
		return p, fmt.Errorf("%w: %w", operation.ErrInvalidPayload, err)
	}
	return p, nil
}

// fail classifies err. Missing or foreign catalog entities do not come back
// on retry.
func (h *Handlers) fail(req *operation.Request, err error, token []byte) operation.Outcome {
	if errors.Is(err, catalog.ErrNotFound) || errors.Is(err, catalog.ErrWrongCompany) {
		err = operation.MarkPermanent(err)
	}
	out := operation.Classify(err, token)
	h.logger.Debug("syncops: operation did not succeed",
		"task_id", req.TaskID, "operation", req.Operation, "outcome", out.String())
	return out
}

func productListing(p *catalog.Product) (string, error) {
	if p.ListingID == "" {
		return "", operation.MarkPermanent(fmt.Errorf("syncops: product %d has no channel listing", p.ID))
	}
	return p.ListingID, nil
}
