package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;index;not null"`
	Active          bool   `gorm:"column:active;not null"`
	Used            bool   `gorm:"column:used;not null"`
	UsedAtUnix      int64  `gorm:"column:used_at_unix;not null;default:0"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
	IPAddress       string `gorm:"column:ip_address;not null;default:''"`
	UserAgent       string `gorm:"column:user_agent;not null;default:''"`
	DeviceID        string `gorm:"column:device_id;not null;default:''"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

func (record refreshTokenRecord) toRecord() RefreshTokenRecord {
	return RefreshTokenRecord{
		TokenID:         record.TokenID,
		UserID:          record.UserID,
		ExpiresAt:       timeOrZero(record.ExpiresUnix),
		Active:          record.Active,
		Used:            record.Used,
		UsedAt:          timeOrZero(record.UsedAtUnix),
		RevokedAt:       timeOrZero(record.RevokedAtUnix),
		IssuedAt:        timeOrZero(record.IssuedAtUnix),
		PreviousTokenID: record.PreviousTokenID,
		Metadata: IssueMetadata{
			IPAddress: record.IPAddress,
			UserAgent: record.UserAgent,
			DeviceID:  record.DeviceID,
		},
	}
}

// NewDatabaseRefreshTokenStore constructs a GORM-backed store on an opened database.
func NewDatabaseRefreshTokenStore(database *Database, clock Clock) *DatabaseRefreshTokenStore {
	return &DatabaseRefreshTokenStore{
		db:          database.DB,
		driverLabel: database.Driver,
		clock:       clockOrSystem(clock),
	}
}

// Create inserts a new refresh token record.
func (store *DatabaseRefreshTokenStore) Create(ctx context.Context, token NewRefreshToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("refresh_store.create.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	record := refreshTokenRecord{
		TokenID:         token.TokenID,
		UserID:          token.UserID,
		TokenHash:       hashOpaque(token.Token),
		ExpiresUnix:     token.ExpiresAt.UTC().Unix(),
		Active:          true,
		Used:            false,
		PreviousTokenID: token.PreviousTokenID,
		IssuedAtUnix:    store.clock.Now().UTC().Unix(),
		IPAddress:       token.Metadata.IPAddress,
		UserAgent:       token.Metadata.UserAgent,
		DeviceID:        token.Metadata.DeviceID,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refresh_store.create.%s: %w", store.driverLabel, ErrRefreshTokenConflict)
		}
		return fmt.Errorf("refresh_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindValid locates a refresh token by value and checks that it is still usable.
func (store *DatabaseRefreshTokenStore) FindValid(ctx context.Context, token string) (RefreshTokenRecord, error) {
	record, err := store.lookup(ctx, token)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find_valid.%s: %w", store.driverLabel, err)
	}
	if invalidErr := classifyRefresh(record.Active, record.Used, record.ExpiresUnix, store.clock.Now()); invalidErr != nil {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find_valid.%s: %w", store.driverLabel, invalidErr)
	}
	return record.toRecord(), nil
}

// Consume flips used with a single conditional update so only one caller can win.
func (store *DatabaseRefreshTokenStore) Consume(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, invalidRefresh(ErrRefreshTokenEmptyOpaque))
	}
	nowUnix := store.clock.Now().UTC().Unix()
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_hash = ? AND active = ? AND used = ? AND expires_unix > ?", hashOpaque(token), true, false, nowUnix).
		Updates(map[string]interface{}{
			"used":         true,
			"used_at_unix": nowUnix,
		})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	record, lookupErr := store.lookup(ctx, token)
	if lookupErr != nil {
		return fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, lookupErr)
	}
	reason := classifyRefresh(record.Active, record.Used, record.ExpiresUnix, store.clock.Now())
	if reason == nil {
		reason = invalidRefresh(ErrRefreshTokenUsed)
	}
	return fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, reason)
}

// Revoke marks one active token of userID as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, userID string, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_hash = ? AND user_id = ? AND active = ?", hashOpaque(token), userID, true).
		Updates(map[string]interface{}{
			"active":          false,
			"revoked_at_unix": store.clock.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// RevokeAllForUser marks every active token of userID as revoked.
func (store *DatabaseRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(map[string]interface{}{
			"active":          false,
			"revoked_at_unix": store.clock.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.revoke_all.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// Sweep deletes records that expired before now.
func (store *DatabaseRefreshTokenStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix < ?", now.UTC().Unix()).Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.sweep.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *DatabaseRefreshTokenStore) lookup(ctx context.Context, token string) (refreshTokenRecord, error) {
	if strings.TrimSpace(token) == "" {
		return refreshTokenRecord{}, invalidRefresh(ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(token)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return refreshTokenRecord{}, invalidRefresh(ErrRefreshTokenNotFound)
		}
		return refreshTokenRecord{}, err
	}
	return record, nil
}
