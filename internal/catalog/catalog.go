// Package catalog is the engine's view of the central product store.
//
// The store itself belongs to the web application; the engine reads shops,
// products and their parts through Catalog and writes back what it learned
// from the channels.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the referenced catalog entity does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrWrongCompany indicates an entity that belongs to another tenant.
	ErrWrongCompany = errors.New("catalog: entity belongs to another company")
)

// Catalog is what sync operations need from the central store.
type Catalog interface {
	ChannelName(ctx context.Context, channelID int64) (string, error)
	Shop(ctx context.Context, companyID, shopID int64) (*Shop, error)
	Product(ctx context.Context, companyID, productID int64) (*Product, error)
	Attribute(ctx context.Context, companyID, attributeID int64) (*Attribute, error)
	Image(ctx context.Context, companyID, imageID int64) (*Image, error)
	ShopProducts(ctx context.Context, shopID int64) ([]Product, error)

	CreateProduct(ctx context.Context, p *Product) error
	SaveDownloadedProduct(ctx context.Context, p *Product) error
	MarkProductUploaded(ctx context.Context, productID int64, channelModifiedAt int64) error
	DeleteAttribute(ctx context.Context, attributeID int64) error
	SetImageChannelID(ctx context.Context, imageID int64, channelImageID string) error

	SyncStarted(ctx context.Context, shopID int64, toUpload, toDownload int) error
	SyncFinished(ctx context.Context, shopID int64, status string) error
}

// Store implements Catalog on gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore returns a Store. It does not migrate; see Migrate.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the catalog tables. Production deployments own these
// tables elsewhere; this exists for local setups and tests.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Channel{}, &Account{}, &Shop{}, &Product{}, &Attribute{}, &Image{})
}

func notFound(kind string, id int64, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}
	return err
}

func (s *Store) ChannelName(ctx context.Context, channelID int64) (string, error) {
	var ch Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error; err != nil {
		return "", notFound("channel", channelID, err)
	}
	return strings.ToLower(ch.Name), nil
}

func checkCompany(companyID int64, shop *Shop) error {
	if shop == nil || shop.Account == nil || shop.Account.CompanyID != companyID {
		return ErrWrongCompany
	}
	return nil
}

func (s *Store) Shop(ctx context.Context, companyID, shopID int64) (*Shop, error) {
	var shop Shop
	err := s.db.WithContext(ctx).Preload("Account.Channel").First(&shop, "id = ?", shopID).Error
	if err != nil {
		return nil, notFound("shop", shopID, err)
	}
	if err := checkCompany(companyID, &shop); err != nil {
		return nil, fmt.Errorf("%w: shop %d", err, shopID)
	}
	return &shop, nil
}

func (s *Store) Product(ctx context.Context, companyID, productID int64) (*Product, error) {
	var p Product
	err := s.db.WithContext(ctx).Preload("Shop.Account.Channel").First(&p, "id = ?", productID).Error
	if err != nil {
		return nil, notFound("product", productID, err)
	}
	if err := checkCompany(companyID, p.Shop); err != nil {
		return nil, fmt.Errorf("%w: product %d", err, productID)
	}
	return &p, nil
}

func (s *Store) Attribute(ctx context.Context, companyID, attributeID int64) (*Attribute, error) {
	var a Attribute
	err := s.db.WithContext(ctx).Preload("Product.Shop.Account.Channel").First(&a, "id = ?", attributeID).Error
	if err != nil {
		return nil, notFound("attribute", attributeID, err)
	}
	if a.Product == nil {
		return nil, fmt.Errorf("%w: product of attribute %d", ErrNotFound, attributeID)
	}
	if err := checkCompany(companyID, a.Product.Shop); err != nil {
		return nil, fmt.Errorf("%w: attribute %d", err, attributeID)
	}
	return &a, nil
}

func (s *Store) Image(ctx context.Context, companyID, imageID int64) (*Image, error) {
	var img Image
	err := s.db.WithContext(ctx).Preload("Product.Shop.Account.Channel").First(&img, "id = ?", imageID).Error
	if err != nil {
		return nil, notFound("image", imageID, err)
	}
	if img.Product == nil {
		return nil, fmt.Errorf("%w: product of image %d", ErrNotFound, imageID)
	}
	if err := checkCompany(companyID, img.Product.Shop); err != nil {
		return nil, fmt.Errorf("%w: image %d", err, imageID)
	}
	return &img, nil
}

func (s *Store) ShopProducts(ctx context.Context, shopID int64) ([]Product, error) {
	var out []Product
	err := s.db.WithContext(ctx).Where("shop_id = ?", shopID).Order("id").Find(&out).Error
	return out, err
}

func (s *Store) CreateProduct(ctx context.Context, p *Product) error {
	return s.db.WithContext(ctx).Omit("Shop").Create(p).Error
}

// SaveDownloadedProduct stores channel data and clears the local edit flag.
func (s *Store) SaveDownloadedProduct(ctx context.Context, p *Product) error {
	res := s.db.WithContext(ctx).Model(&Product{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"title":               p.Title,
		"description":         p.Description,
		"quantity":            p.Quantity,
		"price":               p.Price,
		"state":               p.State,
		"channel_modified_at": p.ChannelModifiedAt,
		"modified_locally":    false,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: product %d", ErrNotFound, p.ID)
	}
	return nil
}

func (s *Store) MarkProductUploaded(ctx context.Context, productID int64, channelModifiedAt int64) error {
	return s.db.WithContext(ctx).Model(&Product{}).Where("id = ?", productID).Updates(map[string]interface{}{
		"modified_locally":    false,
		"channel_modified_at": channelModifiedAt,
	}).Error
}

func (s *Store) DeleteAttribute(ctx context.Context, attributeID int64) error {
	return s.db.WithContext(ctx).Delete(&Attribute{}, "id = ?", attributeID).Error
}

func (s *Store) SetImageChannelID(ctx context.Context, imageID int64, channelImageID string) error {
	return s.db.WithContext(ctx).Model(&Image{}).Where("id = ?", imageID).Update("channel_image_id", channelImageID).Error
}

func (s *Store) SyncStarted(ctx context.Context, shopID int64, toUpload, toDownload int) error {
	return s.db.WithContext(ctx).Model(&Shop{}).Where("id = ?", shopID).Updates(map[string]interface{}{
		"sync_status":  SyncStatusInProgress,
		"to_upload":    toUpload,
		"to_download":  toDownload,
		"last_sync_at": s.now().UTC(),
	}).Error
}

// SyncFinished records the final status. Shop-level errors also flag the
// shop invalid so scheduled resyncs skip it.
func (s *Store) SyncFinished(ctx context.Context, shopID int64, status string) error {
	invalid := status == SyncStatusTokenRejected || status == SyncStatusNotFound || status == SyncStatusUnknownError
	return s.db.WithContext(ctx).Model(&Shop{}).Where("id = ?", shopID).Updates(map[string]interface{}{
		"sync_status": status,
		"invalid":     invalid,
		"to_upload":   0,
		"to_download": 0,
	}).Error
}
