// Package ratelimit keeps a per-account quota counter for channel APIs in the
// database so every dispatcher process shares it.
//
// Counters only move through single SQL statements with arithmetic in the
// statement itself, which keeps concurrent reservations from over-issuing.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidKey indicates an incomplete account key.
	ErrInvalidKey = errors.New("ratelimit: invalid account key")
	// ErrUnknownAccount indicates no quota row exists for the key.
	ErrUnknownAccount = errors.New("ratelimit: unknown account")
	// ErrInvalidReserve indicates a reserve percentage outside 0..100.
	ErrInvalidReserve = errors.New("ratelimit: reserve percent must be between 0 and 100")
)

const (
	// discoveryQuota is the quota of an account nothing is known about yet: one
	// call, whose response tells the real numbers.
	discoveryQuota = 1
	// defaultDiscoveryWait is how long callers are deferred while the
	// discovery call of an unseen account is in flight.
	defaultDiscoveryWait = 10 * time.Second
	timePrecision        = time.Millisecond
)

// Limiter is the database-backed quota counter.
type Limiter struct {
	db             *gorm.DB
	now            func() time.Time
	logger         *slog.Logger
	defaultReserve int
	discoveryWait  time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDefaultReserve sets the reserve percentage given to new accounts.
func WithDefaultReserve(percent int) Option {
	return func(l *Limiter) {
		l.defaultReserve = percent
	}
}

// WithDiscoveryWait sets the deferral used while an unseen account is discovered.
func WithDiscoveryWait(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.discoveryWait = d
		}
	}
}

// New migrates the quota table and returns a Limiter.
func New(db *gorm.DB, opts ...Option) (*Limiter, error) {
	if db == nil {
		return nil, errors.New("ratelimit: database handle is required")
	}
	l := &Limiter{
		db:            db,
		now:           time.Now,
		logger:        slog.Default(),
		discoveryWait: defaultDiscoveryWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.defaultReserve < 0 || l.defaultReserve > 100 {
		return nil, ErrInvalidReserve
	}
	if err := db.AutoMigrate(&Quota{}); err != nil {
		return nil, fmt.Errorf("ratelimit: migrate: %w", err)
	}
	return l, nil
}

func (l *Limiter) clock() time.Time {
	return l.now().UTC().Truncate(timePrecision)
}

func keyScope(key AccountKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("company_id = ? AND channel_id = ? AND account_id = ?", key.CompanyID, key.ChannelID, key.AccountID)
	}
}

// ensure inserts the discovery row for an unseen account.
func (l *Limiter) ensure(db *gorm.DB, key AccountKey, now time.Time) error {
	row := Quota{
		CompanyID:      key.CompanyID,
		ChannelID:      key.ChannelID,
		AccountID:      key.AccountID,
		Remaining:      discoveryQuota,
		ReservePercent: l.defaultReserve,
		UpdatedAt:      now,
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Reserve takes one call's worth of quota for key, or reports when to come
// back. Quota below the account's reserve floor is not handed out.
func (l *Limiter) Reserve(ctx context.Context, key AccountKey) (Reservation, error) {
	if err := key.validate(); err != nil {
		return Reservation{}, err
	}
	now := l.clock()
	db := l.db.WithContext(ctx)
	if err := l.ensure(db, key, now); err != nil {
		return Reservation{}, err
	}

	// the window the channel announced is over: discover again, with no floor
	// until that call reports the limit
	if err := db.Model(&Quota{}).Scopes(keyScope(key)).
		Where("reset_at IS NOT NULL AND reset_at <= ?", now).
		Updates(map[string]interface{}{
			"remaining":   discoveryQuota,
			"daily_limit": 0,
			"reset_at":    nil,
			"updated_at":  now,
		}).Error; err != nil {
		return Reservation{}, err
	}

	res := db.Model(&Quota{}).Scopes(keyScope(key)).
		Where("remaining > 0").
		Where("remaining * 100 > daily_limit * (CASE WHEN reserve_expires_at IS NOT NULL AND reserve_expires_at <= ? THEN 0 ELSE reserve_percent END)", now).
		Updates(map[string]interface{}{
			"remaining":  gorm.Expr("remaining - 1"),
			"in_flight":  gorm.Expr("in_flight + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return Reservation{}, res.Error
	}
	if res.RowsAffected == 1 {
		return Reservation{Permit: &Permit{Key: key, IssuedAt: now}}, nil
	}

	q, err := l.Snapshot(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	at := l.resumeAt(q, now)
	l.logger.Debug("ratelimit: quota deferred", "account", key.String(), "remaining", q.Remaining, "resume_at", at)
	return Reservation{Deferred: true, ResumeAt: at}, nil
}

// resumeAt picks the earliest time quota may be back: the announced reset,
// a short wait while a discovery call is outstanding, or the next full hour.
func (l *Limiter) resumeAt(q *Quota, now time.Time) time.Time {
	if q.ResetAt != nil && q.ResetAt.After(now) {
		return *q.ResetAt
	}
	if q.DailyLimit == 0 && q.InFlight > 0 {
		return now.Add(l.discoveryWait)
	}
	return now.Truncate(time.Hour).Add(time.Hour)
}

// Acquire is Reserve for callers that treat a deferral as an error. The
// error is a *DeferredError.
func (l *Limiter) Acquire(ctx context.Context, key AccountKey) (*Permit, error) {
	r, err := l.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.Deferred {
		return nil, &DeferredError{Key: key, ResumeAt: r.ResumeAt}
	}
	return r.Permit, nil
}

// Observe reconciles the counter with what the channel reported after a
// call made under a permit for key. Other permits still in flight have
// already been taken off the local counter but not yet off the channel's, so
// they are subtracted from the reported value.
func (l *Limiter) Observe(ctx context.Context, key AccountKey, obs Observation) error {
	if err := key.validate(); err != nil {
		return err
	}
	now := l.clock()
	db := l.db.WithContext(ctx)
	if err := l.ensure(db, key, now); err != nil {
		return err
	}

	reported := obs.Remaining
	if reported < 0 {
		reported = 0
	}

	// remaining is assigned before in_flight: MySQL evaluates SET clauses
	// left to right against the updated row.
	var sb strings.Builder
	args := []interface{}{reported, reported, reported}
	sb.WriteString("UPDATE channel_quotas SET ")
	sb.WriteString("remaining = CASE WHEN in_flight > 1 THEN (CASE WHEN ? > in_flight - 1 THEN ? - (in_flight - 1) ELSE 0 END) ELSE ? END, ")
	sb.WriteString("in_flight = CASE WHEN in_flight > 0 THEN in_flight - 1 ELSE 0 END, ")
	if obs.Limit > 0 {
		sb.WriteString("daily_limit = ?, ")
		args = append(args, obs.Limit)
	}
	switch {
	case !obs.ResetAt.IsZero():
		sb.WriteString("reset_at = ?, ")
		args = append(args, obs.ResetAt.UTC().Truncate(timePrecision))
	case reported > 0:
		sb.WriteString("reset_at = NULL, ")
	}
	sb.WriteString("updated_at = ? WHERE company_id = ? AND channel_id = ? AND account_id = ?")
	args = append(args, now, key.CompanyID, key.ChannelID, key.AccountID)

	return db.Exec(sb.String(), args...).Error
}

// Settle ends a permit whose call reached the channel but returned no quota
// information. The counter keeps the call as spent.
func (l *Limiter) Settle(ctx context.Context, p *Permit) error {
	if p == nil {
		return nil
	}
	return l.db.WithContext(ctx).Model(&Quota{}).Scopes(keyScope(p.Key)).
		Where("in_flight > 0").
		Updates(map[string]interface{}{
			"in_flight":  gorm.Expr("in_flight - 1"),
			"updated_at": l.clock(),
		}).Error
}

// Release returns a permit that was never used.
func (l *Limiter) Release(ctx context.Context, p *Permit) error {
	if p == nil {
		return nil
	}
	return l.db.WithContext(ctx).Model(&Quota{}).Scopes(keyScope(p.Key)).
		Where("in_flight > 0").
		Updates(map[string]interface{}{
			"remaining":  gorm.Expr("remaining + 1"),
			"in_flight":  gorm.Expr("in_flight - 1"),
			"updated_at": l.clock(),
		}).Error
}

// SetReserve keeps percent of the account's limit back from Reserve until
// the given time. A zero until keeps the reserve indefinitely.
func (l *Limiter) SetReserve(ctx context.Context, key AccountKey, percent int, until time.Time) error {
	if err := key.validate(); err != nil {
		return err
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidReserve
	}
	now := l.clock()
	db := l.db.WithContext(ctx)
	if err := l.ensure(db, key, now); err != nil {
		return err
	}
	var expires interface{}
	if !until.IsZero() {
		expires = until.UTC().Truncate(timePrecision)
	}
	return db.Model(&Quota{}).Scopes(keyScope(key)).Updates(map[string]interface{}{
		"reserve_percent":    percent,
		"reserve_expires_at": expires,
		"updated_at":         now,
	}).Error
}

// Snapshot returns the stored counter for key.
func (l *Limiter) Snapshot(ctx context.Context, key AccountKey) (*Quota, error) {
	var q Quota
	err := l.db.WithContext(ctx).Scopes(keyScope(key)).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, key)
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ExhaustedAccount is an account Reserve currently defers, with the time it
// is expected back.
type ExhaustedAccount struct {
	Quota
	ResumeAt time.Time `json:"resumeAt"`
}

// Exhausted lists the accounts whose quota is at or below their reserve floor.
func (l *Limiter) Exhausted(ctx context.Context) ([]ExhaustedAccount, error) {
	now := l.clock()
	var rows []Quota
	err := l.db.WithContext(ctx).
		Where("(reset_at IS NULL OR reset_at > ?)", now).
		Where("(remaining <= 0 OR remaining * 100 <= daily_limit * (CASE WHEN reserve_expires_at IS NOT NULL AND reserve_expires_at <= ? THEN 0 ELSE reserve_percent END))", now).
		Order("company_id, channel_id, account_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ExhaustedAccount, 0, len(rows))
	for i := range rows {
		out = append(out, ExhaustedAccount{Quota: rows[i], ResumeAt: l.resumeAt(&rows[i], now)})
	}
	return out, nil
}
