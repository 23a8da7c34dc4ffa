package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type userRecord struct {
	ID                string  `gorm:"column:id;primaryKey"`
	Email             string  `gorm:"column:email;uniqueIndex;not null"`
	Username          *string `gorm:"column:username;uniqueIndex"`
	DisplayName       string  `gorm:"column:display_name;not null;default:''"`
	AvatarURL         string  `gorm:"column:avatar_url;not null;default:''"`
	Provider          *string `gorm:"column:provider;uniqueIndex:idx_users_provider_subject"`
	ProviderSubjectID *string `gorm:"column:provider_subject_id;uniqueIndex:idx_users_provider_subject"`
	PasswordHash      string  `gorm:"column:password_hash;not null;default:''"`
	Role              string  `gorm:"column:role;not null"`
	Active            bool    `gorm:"column:active;not null"`
	EmailVerified     bool    `gorm:"column:email_verified;not null"`
	LastLoginUnix     int64   `gorm:"column:last_login_unix;not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:                record.ID,
		Email:             record.Email,
		Username:          stringOrEmpty(record.Username),
		DisplayName:       record.DisplayName,
		AvatarURL:         record.AvatarURL,
		Provider:          stringOrEmpty(record.Provider),
		ProviderSubjectID: stringOrEmpty(record.ProviderSubjectID),
		PasswordHash:      record.PasswordHash,
		Role:              record.Role,
		Active:            record.Active,
		EmailVerified:     record.EmailVerified,
		LastLoginAt:       timeOrZero(record.LastLoginUnix),
		CreatedAt:         record.CreatedAt.UTC(),
		UpdatedAt:         record.UpdatedAt.UTC(),
	}
}

// DatabaseUserStore is the GORM-backed identity directory.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseUserStore constructs a directory on an opened database.
func NewDatabaseUserStore(database *Database) *DatabaseUserStore {
	return &DatabaseUserStore{db: database.DB, driverLabel: database.Driver}
}

// CreateUser inserts a password-based user.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, newUser NewUser) (User, error) {
	record := userRecord{
		ID:            uuid.NewString(),
		Email:         normalizeEmail(newUser.Email),
		Username:      stringPointer(normalizeUsername(newUser.Username)),
		DisplayName:   newUser.DisplayName,
		PasswordHash:  newUser.PasswordHash,
		Role:          RoleUser,
		Active:        true,
		EmailVerified: false,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrUserConflict)
		}
		return User{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// UpsertFromProvider finds by provider subject, then by email (linking), else creates.
func (store *DatabaseUserStore) UpsertFromProvider(ctx context.Context, claim ProviderClaim) (User, error) {
	user, err := store.upsertFromProvider(ctx, claim)
	if err != nil && isUniqueViolation(err) {
		// A concurrent first login inserted the same identity; the retry finds it.
		user, err = store.upsertFromProvider(ctx, claim)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("user_store.upsert_provider.%s: %w", store.driverLabel, ErrUserConflict)
		}
		return User{}, fmt.Errorf("user_store.upsert_provider.%s: %w", store.driverLabel, err)
	}
	return user, nil
}

func (store *DatabaseUserStore) upsertFromProvider(ctx context.Context, claim ProviderClaim) (User, error) {
	email := normalizeEmail(claim.Email)
	var result userRecord
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing userRecord
		findErr := tx.Where("provider = ? AND provider_subject_id = ?", claim.Provider, claim.ProviderSubjectID).Take(&existing).Error
		if findErr == nil {
			applyProviderProfile(&existing, claim)
			result = existing
			return tx.Save(&existing).Error
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}

		findErr = tx.Where("email = ?", email).Take(&existing).Error
		if findErr == nil {
			if existing.ProviderSubjectID != nil && *existing.ProviderSubjectID != claim.ProviderSubjectID {
				return ErrUserConflict
			}
			existing.Provider = stringPointer(claim.Provider)
			existing.ProviderSubjectID = stringPointer(claim.ProviderSubjectID)
			existing.EmailVerified = true
			applyProviderProfile(&existing, claim)
			result = existing
			return tx.Save(&existing).Error
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}

		created := userRecord{
			ID:                uuid.NewString(),
			Email:             email,
			DisplayName:       claim.DisplayName,
			AvatarURL:         claim.AvatarURL,
			Provider:          stringPointer(claim.Provider),
			ProviderSubjectID: stringPointer(claim.ProviderSubjectID),
			Role:              RoleUser,
			Active:            true,
			EmailVerified:     true,
		}
		result = created
		return tx.Create(&created).Error
	})
	if transactionErr != nil {
		return User{}, transactionErr
	}
	return result.toUser(), nil
}

// FindByID looks a user up by id.
func (store *DatabaseUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	return store.findOne(ctx, "find_by_id", "id = ?", userID)
}

// FindByEmail looks a user up by normalized email.
func (store *DatabaseUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return store.findOne(ctx, "find_by_email", "email = ?", normalizeEmail(email))
}

// RecordLogin stamps the last successful login time.
func (store *DatabaseUserStore) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	return store.updateColumn(ctx, "record_login", userID, "last_login_unix", at.UTC().Unix())
}

// SetActive toggles the active flag.
func (store *DatabaseUserStore) SetActive(ctx context.Context, userID string, active bool) error {
	return store.updateColumn(ctx, "set_active", userID, "active", active)
}

func (store *DatabaseUserStore) findOne(ctx context.Context, operation string, query string, argument string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return record.toUser(), nil
}

func (store *DatabaseUserStore) updateColumn(ctx context.Context, operation string, userID string, column string, value interface{}) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", userID).Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
	}
	return nil
}

func applyProviderProfile(record *userRecord, claim ProviderClaim) {
	if claim.DisplayName != "" {
		record.DisplayName = claim.DisplayName
	}
	if claim.AvatarURL != "" {
		record.AvatarURL = claim.AvatarURL
	}
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
