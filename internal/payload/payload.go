// Package payload defines the operation payloads stored in
// task_queue.operation_data. Every payload is wrapped in an envelope naming
// its type so the store can stay agnostic of the contents.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Operation names.
const (
	OpSyncShop        = "sync_shop"
	OpSyncProduct     = "sync_product"
	OpUpdateAttribute = "update_attribute"
	OpDeleteAttribute = "delete_attribute"
	OpUploadImage     = "upload_image"
	OpUpdateInventory = "update_inventory"
)

// ErrInvalid reports a payload that failed decoding or validation.
var ErrInvalid = errors.New("payload: invalid")

// Payload is implemented by every operation payload.
type Payload interface {
	Operation() string
	Validate() error
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var factories = map[string]func() Payload{
	OpSyncShop:        func() Payload { return &SyncShop{} },
	OpSyncProduct:     func() Payload { return &SyncProduct{} },
	OpUpdateAttribute: func() Payload { return &UpdateAttribute{} },
	OpDeleteAttribute: func() Payload { return &DeleteAttribute{} },
	OpUploadImage:     func() Payload { return &UploadImage{} },
	OpUpdateInventory: func() Payload { return &UpdateInventory{} },
}

// Known reports whether op names a payload type.
func Known(op string) bool {
	_, ok := factories[op]
	return ok
}

// Encode validates p and wraps it in its envelope.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalid)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: p.Operation(), Data: data})
}

// Decode unwraps an envelope into its typed payload and validates it.
func Decode(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	factory, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, env.Type)
	}
	p := factory()
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s has no data", ErrInvalid, env.Type)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, env.Type, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Wrap builds the envelope for an operation from its bare JSON data and
// validates the result.
func Wrap(op string, data json.RawMessage) ([]byte, error) {
	if !Known(op) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, op)
	}
	raw, err := json.Marshal(envelope{Type: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, op, err)
	}
	if _, err := Decode(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodeAs decodes raw and asserts the payload type.
func DecodeAs[T Payload](raw []byte) (T, error) {
	var zero T
	p, err := Decode(raw)
	if err != nil {
		return zero, err
	}
	typed, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s payload", ErrInvalid, p.Operation())
	}
	return typed, nil
}

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, op, fmt.Sprintf(format, args...))
}

// SyncShop reconciles a whole shop with its channel.
type SyncShop struct {
	ShopID int64 `json:"shopId"`
	// Force runs even if the shop is flagged invalid.
	Force bool `json:"force,omitempty"`
}

func (*SyncShop) Operation() string { return OpSyncShop }

func (p *SyncShop) Validate() error {
	if p.ShopID <= 0 {
		return invalid(OpSyncShop, "shopId is required")
	}
	return nil
}

// Direction of a product sync.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// SyncProduct moves one product between the catalog and the channel.
type SyncProduct struct {
	ProductID int64     `json:"productId"`
	Direction Direction `json:"direction"`
}

func (*SyncProduct) Operation() string { return OpSyncProduct }

func (p *SyncProduct) Validate() error {
	if p.ProductID <= 0 {
		return invalid(OpSyncProduct, "productId is required")
	}
	switch p.Direction {
	case Download, Upload:
		return nil
	default:
		return invalid(OpSyncProduct, "unknown direction %q", p.Direction)
	}
}

// UpdateAttribute pushes one attribute value to the channel.
type UpdateAttribute struct {
	AttributeID int64 `json:"attributeId"`
}

func (*UpdateAttribute) Operation() string { return OpUpdateAttribute }

func (p *UpdateAttribute) Validate() error {
	if p.AttributeID <= 0 {
		return invalid(OpUpdateAttribute, "attributeId is required")
	}
	return nil
}

// DeleteAttribute removes an attribute on the channel and then locally.
type DeleteAttribute struct {
	AttributeID int64 `json:"attributeId"`
}

func (*DeleteAttribute) Operation() string { return OpDeleteAttribute }

func (p *DeleteAttribute) Validate() error {
	if p.AttributeID <= 0 {
		return invalid(OpDeleteAttribute, "attributeId is required")
	}
	return nil
}

// UploadImage sends one product image to the channel.
type UploadImage struct {
	ImageID int64 `json:"imageId"`
}

func (*UploadImage) Operation() string { return OpUploadImage }

func (p *UploadImage) Validate() error {
	if p.ImageID <= 0 {
		return invalid(OpUploadImage, "imageId is required")
	}
	return nil
}

// UpdateInventory sets stock and price of a product variant.
type UpdateInventory struct {
	ProductID int64           `json:"productId"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (*UpdateInventory) Operation() string { return OpUpdateInventory }

func (p *UpdateInventory) Validate() error {
	if p.ProductID <= 0 {
		return invalid(OpUpdateInventory, "productId is required")
	}
	if strings.TrimSpace(p.SKU) == "" {
		return invalid(OpUpdateInventory, "sku is required")
	}
	if p.Quantity < 0 {
		return invalid(OpUpdateInventory, "quantity must not be negative")
	}
	if p.Price.IsNegative() {
		return invalid(OpUpdateInventory, "price must not be negative")
	}
	return nil
}
