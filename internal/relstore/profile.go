package relstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinkys/narrativecore/internal/corekit"
)

// CreateProfile inserts a new profile row with a fresh internal id,
// returning AlreadyExists if externalID is already registered
// (UserRegistry.create step 2).
func (s *Store) CreateProfile(externalID int64, displayName, language string) (*UserProfile, error) {
	profile := UserProfile{
		InternalID:  uuid.NewString(),
		ExternalID:  externalID,
		DisplayName: displayName,
		Language:    language,
		Role:        RoleFree,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
		LastSeenAt:  time.Now().UTC(),
	}
	if err := s.DB.Create(&profile).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, corekit.New(corekit.KindAlreadyExists, "external_id_registered", "")
		}
		return nil, corekit.Wrap(corekit.KindInternal, "create_profile", err)
	}
	return &profile, nil
}

// DeleteProfile removes the profile row for internalID (UserRegistry
// deletion step 3, run after the document state has been removed).
func (s *Store) DeleteProfile(internalID string) error {
	res := s.DB.Delete(&UserProfile{}, "internal_id = ?", internalID)
	if res.Error != nil {
		return corekit.Wrap(corekit.KindInternal, "delete_profile", res.Error)
	}
	if res.RowsAffected == 0 {
		return corekit.New(corekit.KindNotFound, "profile_not_found", "")
	}
	return nil
}

// GetProfile reads a profile by internal id.
func (s *Store) GetProfile(internalID string) (*UserProfile, error) {
	var p UserProfile
	if err := s.DB.First(&p, "internal_id = ?", internalID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, corekit.New(corekit.KindNotFound, "profile_not_found", "")
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// GetProfileByExternalID looks up a profile by the Telegram-side id,
// used on every inbound command to resolve the internal id.
func (s *Store) GetProfileByExternalID(externalID int64) (*UserProfile, error) {
	var p UserProfile
	if err := s.DB.First(&p, "external_id = ?", externalID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, corekit.New(corekit.KindNotFound, "profile_not_found", "")
		}
		return nil, fmt.Errorf("get profile by external id: %w", err)
	}
	return &p, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
