package syncops

import (
	"context"

	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/payload"
)

// ProductResult is the success payload of sync_product.
type ProductResult struct {
	ProductID  int64             `json:"productId"`
	ListingID  string            `json:"listingId"`
	Direction  payload.Direction `json:"direction"`
	ModifiedAt int64             `json:"modifiedAt"`
}

// SyncProduct downloads a listing into the catalog or uploads the catalog's
// version of it.
func (h *Handlers) SyncProduct(ctx context.Context, req *operation.Request) operation.Outcome {
	p, err := decode[*payload.SyncProduct](req)
	if err != nil {
		return h.fail(req, err, nil)
	}
	product, err := h.catalog.Product(ctx, req.CompanyID, p.ProductID)
	if err != nil {
		return h.fail(req, err, nil)
	}
	listingID, err := productListing(product)
	if err != nil {
		return h.fail(req, err, nil)
	}
	acct, err := accountFor(product.Shop)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := req.CheckAlive(ctx); err != nil {
		return h.fail(req, err, nil)
	}

	client := h.bind(req)
	var listing *channel.Listing
	if p.Direction == payload.Download {
		listing, err = h.download(ctx, client, acct, product)
	} else {
		listing, err = h.upload(ctx, client, acct, product)
	}
	if err != nil {
		return h.fail(req, err, nil)
	}
	return operation.SucceededWith(ProductResult{
		ProductID:  product.ID,
		ListingID:  listingID,
		Direction:  p.Direction,
		ModifiedAt: listing.ModifiedAt,
	})
}

func (h *Handlers) download(ctx context.Context, client channel.Client, acct channel.Account, product *catalog.Product) (*channel.Listing, error) {
	l, err := client.GetListing(ctx, acct, product.ListingID)
	if err != nil {
		return nil, err
	}
	product.Title = l.Title
	product.Description = l.Description
	product.Quantity = l.Quantity
	product.Price = l.Price
	product.State = l.State
	product.ChannelModifiedAt = l.ModifiedAt
	if err := h.catalog.SaveDownloadedProduct(ctx, product); err != nil {
		return nil, err
	}
	return l, nil
}

func (h *Handlers) upload(ctx context.Context, client channel.Client, acct channel.Account, product *catalog.Product) (*channel.Listing, error) {
	l, err := client.UpdateListing(ctx, acct, channel.Listing{
		ListingID:   product.ListingID,
		Title:       product.Title,
		Description: product.Description,
		Quantity:    product.Quantity,
		Price:       product.Price,
		State:       product.State,
	})
	if err != nil {
		return nil, err
	}
	if err := h.catalog.MarkProductUploaded(ctx, product.ID, l.ModifiedAt); err != nil {
		return nil, err
	}
	return l, nil
}

// UpdateInventory sets stock and price of one variant.
func (h *Handlers) UpdateInventory(ctx context.Context, req *operation.Request) operation.Outcome {
	p, err := decode[*payload.UpdateInventory](req)
	if err != nil {
		return h.fail(req, err, nil)
	}
	product, err := h.catalog.Product(ctx, req.CompanyID, p.ProductID)
	if err != nil {
		return h.fail(req, err, nil)
	}
	listingID, err := productListing(product)
	if err != nil {
		return h.fail(req, err, nil)
	}
	acct, err := accountFor(product.Shop)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := req.CheckAlive(ctx); err != nil {
		return h.fail(req, err, nil)
	}
	if err := h.bind(req).UpdateInventory(ctx, acct, listingID, p.SKU, p.Quantity, p.Price); err != nil {
		return h.fail(req, err, nil)
	}
	return operation.Succeeded(nil)
}
