package syncops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/payload"
)

const (
	phaseList = "list"
	phaseWait = "wait"
)

// skippedStates are listing states that are never imported.
var skippedStates = map[string]bool{
	"":            true,
	"null":        true,
	"unavailable": true,
	"create":      true,
	"alchemy":     true,
	"edit":        true,
}

// shopToken is the continuation of a shop sync. The listing download runs
// one page per invocation; the counts accumulate across pages.
type shopToken struct {
	Phase    string `json:"phase"`
	Cursor   string `json:"cursor,omitempty"`
	Upload   int    `json:"upload,omitempty"`
	Download int    `json:"download,omitempty"`
}

func (t shopToken) encode() []byte {
	raw, _ := json.Marshal(t)
	return raw
}

func parseShopToken(raw []byte) (shopToken, error) {
	t := shopToken{Phase: phaseList}
	if len(raw) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%w: bad shop sync token: %v", operation.ErrInvalidPayload, err)
	}
	switch t.Phase {
	case "":
		t.Phase = phaseList
	case phaseList, phaseWait:
	default:
		return t, fmt.Errorf("%w: unknown shop sync phase %q", operation.ErrInvalidPayload, t.Phase)
	}
	return t, nil
}

// ShopResult is the success payload of sync_shop.
type ShopResult struct {
	Uploaded   int    `json:"uploaded"`
	Downloaded int    `json:"downloaded"`
	Skipped    string `json:"skipped,omitempty"`
}

// SyncShop reconciles a shop's listings with the catalog. New and changed
// listings become sync_product children; the task then waits for them and
// reports the shop synced or partial.
func (h *Handlers) SyncShop(ctx context.Context, req *operation.Request) operation.Outcome {
	p, err := decode[*payload.SyncShop](req)
	if err != nil {
		return h.fail(req, err, nil)
	}
	tok, err := parseShopToken(req.Token)
	if err != nil {
		return h.fail(req, err, nil)
	}

	restarted := req.Resumed()
	if req.Modified && req.Resumed() {
		h.logger.Info("syncops: shop sync enqueued again while running, restarting",
			"task_id", req.TaskID, "shop_id", p.ShopID)
		if req.DropFinishedChildren != nil {
			if err := req.DropFinishedChildren(ctx); err != nil {
				return h.fail(req, err, req.Token)
			}
		}
		tok = shopToken{Phase: phaseList}
	}

	shop, err := h.catalog.Shop(ctx, req.CompanyID, p.ShopID)
	if err != nil {
		return h.fail(req, err, nil)
	}

	if tok.Phase == phaseWait {
		return h.finishShop(ctx, req, shop, tok)
	}

	if !restarted && !p.Force && (shop.Invalid || shop.ApplyingOperations) {
		h.logger.Info("syncops: skipping shop sync", "task_id", req.TaskID, "shop_id", shop.ID,
			"invalid", shop.Invalid, "applying_operations", shop.ApplyingOperations)
		return operation.SucceededWith(ShopResult{Skipped: "shop is invalid or applying operations"})
	}
	if tok.Cursor == "" {
		if err := h.catalog.SyncStarted(ctx, shop.ID, 0, 0); err != nil {
			return h.fail(req, err, tok.encode())
		}
	}
	return h.syncPage(ctx, req, shop, tok)
}

func (h *Handlers) syncPage(ctx context.Context, req *operation.Request, shop *catalog.Shop, tok shopToken) operation.Outcome {
	acct, err := accountFor(shop)
	if err != nil {
		return h.fail(req, err, nil)
	}
	if err := req.CheckAlive(ctx); err != nil {
		return h.fail(req, err, nil)
	}

	page, err := h.bind(req).ListListings(ctx, acct, tok.Cursor)
	if err != nil {
		if status := shopErrorStatus(err); status != "" {
			if ferr := h.catalog.SyncFinished(ctx, shop.ID, status); ferr != nil {
				h.logger.Warn("syncops: recording shop status failed", "shop_id", shop.ID, "error", ferr)
			}
		}
		return h.fail(req, err, tok.encode())
	}

	products, err := h.catalog.ShopProducts(ctx, shop.ID)
	if err != nil {
		return h.fail(req, err, tok.encode())
	}
	known := make(map[string]*catalog.Product, len(products))
	for i := range products {
		if products[i].ListingID != "" {
			known[products[i].ListingID] = &products[i]
		}
	}

	for _, l := range page.Listings {
		if skippedStates[l.State] {
			continue
		}
		productID, dir, err := h.planListing(ctx, shop, known[l.ListingID], l)
		if err != nil {
			return h.fail(req, err, tok.encode())
		}
		if dir == "" {
			continue
		}
		if err := spawnProductSync(ctx, req, productID, dir); err != nil {
			return h.fail(req, err, tok.encode())
		}
		if dir == payload.Upload {
			tok.Upload++
		} else {
			tok.Download++
		}
	}
	if err := h.catalog.SyncStarted(ctx, shop.ID, tok.Upload, tok.Download); err != nil {
		return h.fail(req, err, tok.encode())
	}

	if page.Next != "" {
		return operation.Suspended(shopToken{Phase: phaseList, Cursor: page.Next, Upload: tok.Upload, Download: tok.Download}.encode(), h.now())
	}
	tok.Phase, tok.Cursor = phaseWait, ""
	if tok.Upload+tok.Download > 0 || req.Children.Pending > 0 {
		return operation.WaitForChildren(tok.encode())
	}
	return h.finishShop(ctx, req, shop, tok)
}

// planListing decides what to do with one listing. Unknown listings are
// created in the catalog first and downloaded.
func (h *Handlers) planListing(ctx context.Context, shop *catalog.Shop, known *catalog.Product, l channel.Listing) (int64, payload.Direction, error) {
	switch {
	case known == nil:
		p := &catalog.Product{ShopID: shop.ID, ListingID: l.ListingID, Title: l.Title, State: l.State}
		if err := h.catalog.CreateProduct(ctx, p); err != nil {
			return 0, "", err
		}
		return p.ID, payload.Download, nil
	case known.ModifiedLocally && known.State != "expired":
		return known.ID, payload.Upload, nil
	case known.ChannelModifiedAt != l.ModifiedAt:
		return known.ID, payload.Download, nil
	default:
		return known.ID, "", nil
	}
}

func spawnProductSync(ctx context.Context, req *operation.Request, productID int64, dir payload.Direction) error {
	raw, err := payload.Encode(&payload.SyncProduct{ProductID: productID, Direction: dir})
	if err != nil {
		return err
	}
	_, err = req.Spawn(ctx, operation.Child{Operation: payload.OpSyncProduct, Payload: raw, Deduplicate: true})
	return err
}

func (h *Handlers) finishShop(ctx context.Context, req *operation.Request, shop *catalog.Shop, tok shopToken) operation.Outcome {
	if req.Children.Failed > 0 {
		if err := h.catalog.SyncFinished(ctx, shop.ID, catalog.SyncStatusPartial); err != nil {
			return h.fail(req, err, tok.encode())
		}
		return operation.Permanent(fmt.Errorf("%d subtask(s) failed", req.Children.Failed))
	}
	if err := h.catalog.SyncFinished(ctx, shop.ID, catalog.SyncStatusSynced); err != nil {
		return h.fail(req, err, tok.encode())
	}
	return operation.SucceededWith(ShopResult{Uploaded: tok.Upload, Downloaded: tok.Download})
}

// shopErrorStatus maps channel errors that concern the whole shop to a
// sync status. Other errors leave the status alone.
func shopErrorStatus(err error) string {
	var apiErr *channel.APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return catalog.SyncStatusNotFound
	case http.StatusForbidden:
		return catalog.SyncStatusTokenRejected
	}
	if !apiErr.Retryable() {
		return catalog.SyncStatusUnknownError
	}
	return ""
}
