package syncops

import (
	"context"
	"errors"

	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/payload"
)

// UpdateAttribute pushes an attribute value to its listing.
func (h *Handlers) UpdateAttribute(ctx context.Context, req *operation.Request) operation.Outcome {
	p, err := decode[*payload.UpdateAttribute](req)
	if err != nil {
		return h.fail(req, err, nil)
	}
	attr, err := h.catalog.Attribute(ctx, req.CompanyID, p.AttributeID)
	if err != nil {
		return h.fail(req, err, nil)
	}
	listingID, err := productListing(attr.Product)
	if err != nil {
		return h.fail(req, err, nil)
	}
	acct, err := accountFor(attr.Product.Shop)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := req.CheckAlive(ctx); err != nil {
		return h.fail(req, err, nil)
	}
	if err := h.bind(req).SetAttribute(ctx, acct, listingID, attr.Name, attr.Value); err != nil {
		return h.fail(req, err, nil)
	}
	return operation.Succeeded(nil)
}

// DeleteAttribute removes an attribute from the channel, then from the
// catalog. An attribute that no longer exists is already deleted.
func (h *Handlers) DeleteAttribute(ctx context.Context, req *operation.Request) operation.Outcome {
	p, err := decode[*payload.DeleteAttribute](req)
	if err != nil {
		return h.fail(req, err, nil)
	}
	attr, err := h.catalog.Attribute(ctx, req.CompanyID, p.AttributeID)
	if errors.Is(err, catalog.ErrNotFound) {
		return operation.Succeeded(nil)
	}
	if err != nil {
		return h.fail(req, err, nil)
	}
	client := h.bind(req)
	deleter, ok := client.(channel.AttributeDeleter)
	if !ok {
		return operation.Permanent(channel.ErrUnsupported)
	}
	acct, err := accountFor(attr.Product.Shop)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := req.CheckAlive(ctx); err != nil {
		return h.fail(req, err, nil)
	}
	if attr.Product.ListingID != "" {
		if err := deleter.DeleteAttribute(ctx, acct, attr.Product.ListingID, attr.Name); err != nil {
			return h.fail(req, err, nil)
		}
	}
	if err := h.catalog.DeleteAttribute(ctx, attr.ID); err != nil {
		return h.fail(req, err, nil)
	}
	return operation.Succeeded(nil)
}

// ImageResult is the success payload of upload_image.
type ImageResult struct {
	ChannelImageID string `json:"channelImageId"`
}

// UploadImage sends an image to its listing and records the channel's id.
// Images that already carry one are not sent again.
func (h *Handlers) UploadImage(ctx context.Context, req *operation.Request) operation.Outcome {
	p, err := decode[*payload.UploadImage](req)
	if err != nil {
		return h.fail(req, err, nil)
	}
	img, err := h.catalog.Image(ctx, req.CompanyID, p.ImageID)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if img.ChannelImageID != "" {
		return operation.SucceededWith(ImageResult{ChannelImageID: img.ChannelImageID})
	}
	listingID, err := productListing(img.Product)
	if err != nil {
		return h.fail(req, err, nil)
	}
	acct, err := accountFor(img.Product.Shop)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := req.CheckAlive(ctx); err != nil {
		return h.fail(req, err, nil)
	}
	id, err := h.bind(req).UploadImage(ctx, acct, listingID, img.URL, img.Rank)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := h.catalog.SetImageChannelID(ctx, img.ID, id); err != nil {
		return h.fail(req, err, nil)
	}
	return operation.SucceededWith(ImageResult{ChannelImageID: id})
}
