package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Shop sync statuses.
const (
	SyncStatusIdle          = "idle"
	SyncStatusInProgress    = "in_progress"
	SyncStatusSynced        = "synced"
	SyncStatusPartial       = "partial"
	SyncStatusTokenRejected = "token_rejected"
	SyncStatusNotFound      = "not_found"
	SyncStatusUnknownError  = "unknown_error"
)

// Channel is a sales channel such as Etsy or Shopify.
type Channel struct {
	ID   int64  `gorm:"column:id;primaryKey"`
	Name string `gorm:"column:name;not null;size:64;uniqueIndex"`
}

func (Channel) TableName() string { return "channels" }

// Account is a merchant's credentials on one channel.
type Account struct {
	ID          int64    `gorm:"column:id;primaryKey"`
	CompanyID   int64    `gorm:"column:company_id;not null;index"`
	ChannelID   int64    `gorm:"column:channel_id;not null"`
	ExternalID  string   `gorm:"column:external_id;not null;size:128"`
	AccessToken string   `gorm:"column:access_token"`
	Channel     *Channel `gorm:"foreignKey:ChannelID"`
}

func (Account) TableName() string { return "accounts" }

// Shop is a storefront on a channel.
type Shop struct {
	ID                 int64      `gorm:"column:id;primaryKey"`
	AccountID          int64      `gorm:"column:account_id;not null;index"`
	ChannelShopID      string     `gorm:"column:channel_shop_id;not null;size:128"`
	Name               string     `gorm:"column:name"`
	Invalid            bool       `gorm:"column:invalid;not null;default:false"`
	SyncStatus         string     `gorm:"column:sync_status;size:32"`
	ApplyingOperations bool       `gorm:"column:applying_operations;not null;default:false"`
	LastSyncAt         *time.Time `gorm:"column:last_sync_at"`
	ToUpload           int        `gorm:"column:to_upload;not null;default:0"`
	ToDownload         int        `gorm:"column:to_download;not null;default:0"`
	Account            *Account   `gorm:"foreignKey:AccountID"`
}

func (Shop) TableName() string { return "shops" }

// Product is a listing as the central store knows it.
type Product struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	ShopID      int64           `gorm:"column:shop_id;not null;index"`
	ListingID   string          `gorm:"column:listing_id;size:128;index"`
	Title       string          `gorm:"column:title"`
	Description string          `gorm:"column:description"`
	Quantity    int             `gorm:"column:quantity;not null;default:0"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(12,2)"`
	State       string          `gorm:"column:state;size:32"`
	// ModifiedLocally is set by edits in the central store that have not been
	// uploaded yet.
	ModifiedLocally bool `gorm:"column:modified_locally;not null;default:false"`
	// ChannelModifiedAt is the channel's last-modified stamp at the last sync.
	ChannelModifiedAt int64 `gorm:"column:channel_modified_at;not null;default:0"`
	Shop              *Shop `gorm:"foreignKey:ShopID"`
}

func (Product) TableName() string { return "products" }

// Attribute is a named property of a product.
type Attribute struct {
	ID        int64    `gorm:"column:id;primaryKey"`
	ProductID int64    `gorm:"column:product_id;not null;index"`
	Name      string   `gorm:"column:name;not null"`
	Value     string   `gorm:"column:value"`
	Product   *Product `gorm:"foreignKey:ProductID"`
}

func (Attribute) TableName() string { return "attributes" }

// Image is a product image.
type Image struct {
	ID             int64    `gorm:"column:id;primaryKey"`
	ProductID      int64    `gorm:"column:product_id;not null;index"`
	URL            string   `gorm:"column:url;not null"`
	Rank           int      `gorm:"column:rank;not null;default:1"`
	ChannelImageID string   `gorm:"column:channel_image_id;size:128"`
	Product        *Product `gorm:"foreignKey:ProductID"`
}

func (Image) TableName() string { return "images" }
