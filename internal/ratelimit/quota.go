package ratelimit

import (
	"fmt"
	"time"
)

// AccountKey identifies one rate-limited channel account.
type AccountKey struct {
	CompanyID int64
	ChannelID int64
	AccountID string
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.CompanyID, k.ChannelID, k.AccountID)
}

func (k AccountKey) validate() error {
	if k.CompanyID <= 0 || k.ChannelID <= 0 || k.AccountID == "" {
		return fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	return nil
}

// Quota is the persisted counter of one account.
//
// Remaining counts calls that may still be issued; InFlight counts permits
// handed out whose call has not been observed yet. DailyLimit is whatever
// the channel last reported as its limit, zero until the first observation.
type Quota struct {
	CompanyID        int64      `gorm:"column:company_id;primaryKey;autoIncrement:false" json:"companyId"`
	ChannelID        int64      `gorm:"column:channel_id;primaryKey;autoIncrement:false" json:"channelId"`
	AccountID        string     `gorm:"column:account_id;primaryKey;size:128" json:"accountId"`
	Remaining        int64      `gorm:"column:remaining;not null" json:"remaining"`
	DailyLimit       int64      `gorm:"column:daily_limit;not null;default:0" json:"dailyLimit"`
	InFlight         int64      `gorm:"column:in_flight;not null;default:0" json:"inFlight"`
	ResetAt          *time.Time `gorm:"column:reset_at" json:"resetAt,omitempty"`
	ReservePercent   int        `gorm:"column:reserve_percent;not null;default:0" json:"reservePercent"`
	ReserveExpiresAt *time.Time `gorm:"column:reserve_expires_at" json:"reserveExpiresAt,omitempty"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName keeps the quota table name stable.
func (Quota) TableName() string {
	return "channel_quotas"
}

// Key returns the account key of the row.
func (q Quota) Key() AccountKey {
	return AccountKey{CompanyID: q.CompanyID, ChannelID: q.ChannelID, AccountID: q.AccountID}
}

// EffectiveReserve returns the reserve percentage in force at now.
func (q Quota) EffectiveReserve(now time.Time) int {
	if q.ReserveExpiresAt != nil && !q.ReserveExpiresAt.After(now) {
		return 0
	}
	return q.ReservePercent
}

// Permit is one call's worth of quota.
type Permit struct {
	Key      AccountKey
	IssuedAt time.Time
}

// Reservation is the answer to Reserve: either a permit or a deferral.
type Reservation struct {
	Permit   *Permit
	Deferred bool
	// ResumeAt is when quota is expected again. Only set when Deferred.
	ResumeAt time.Time
}

// Observation is the quota state a channel reported on a response.
type Observation struct {
	Remaining int64
	Limit     int64
	// ResetAt is when the channel said the quota refills. Zero if unknown.
	ResetAt time.Time
}

// DeferredError reports that an account has no quota until ResumeAt.
type DeferredError struct {
	Key      AccountKey
	ResumeAt time.Time
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("ratelimit: quota for %s exhausted until %s", e.Key, e.ResumeAt.Format(time.RFC3339))
}
