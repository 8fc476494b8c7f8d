package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JullianMQ/lifeline/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the session did not carry a usable user id.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records session identities and answers emergency-contact lookups.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Touch stores the profile carried by an authenticated session. Unchanged
// profiles seen before by this process only refresh last_seen_at.
func (s *Service) Touch(ctx context.Context, ident identity.Identity) (Identity, error) {
	userID := normalize(ident.UserID)
	if userID == "" {
		return Identity{}, ErrInvalidIdentity
	}
	record := Identity{
		UserID:     userID,
		Name:       normalize(ident.Name),
		Phone:      ident.NormalizedPhone(),
		Role:       normalize(ident.Role),
		LastSeenAt: s.now().UTC(),
	}
	fingerprint := record.Name + "|" + record.Phone + "|" + record.Role
	if cached, ok := s.cache.Load(userID); ok && cached == fingerprint {
		err := s.db.WithContext(ctx).
			Model(&Identity{}).
			Where("user_id = ?", userID).
			Update("last_seen_at", record.LastSeenAt).
			Error
		if err != nil {
			return Identity{}, err
		}
		return record, nil
	}

	var existing Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return Identity{}, err
		}
		s.logger.Debug("user identity recorded", zap.String("user_id", userID))
	case err != nil:
		return Identity{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": record.LastSeenAt}
		if record.Name != "" && record.Name != existing.Name {
			updates["user_name"] = record.Name
		}
		if record.Phone != "" && record.Phone != existing.Phone {
			updates["user_phone"] = record.Phone
		}
		if record.Role != "" && record.Role != existing.Role {
			updates["user_role"] = record.Role
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return Identity{}, err
		}
	}
	s.cache.Store(userID, fingerprint)
	return record, nil
}

// EmergencyContacts lists the owner's contacts by priority.
func (s *Service) EmergencyContacts(ctx context.Context, ownerUserID string) ([]EmergencyContact, error) {
	ownerUserID = normalize(ownerUserID)
	if ownerUserID == "" {
		return nil, ErrInvalidIdentity
	}
	var contacts []EmergencyContact
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("priority ASC").
		Order("id ASC").
		Find(&contacts).
		Error
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

// ContactPhones returns the owner's distinct normalized contact phones.
func (s *Service) ContactPhones(ctx context.Context, ownerUserID string) ([]string, error) {
	contacts, err := s.EmergencyContacts(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	phones := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		phones = append(phones, contact.Phone)
	}
	return identity.NormalizePhones(phones), nil
}

// ProtectedUserIDs returns the users that list phone as an emergency contact.
func (s *Service) ProtectedUserIDs(ctx context.Context, phone string) ([]string, error) {
	normalized := identity.NormalizePhone(phone)
	if normalized == "" {
		return nil, nil
	}
	var owners []string
	err := s.db.WithContext(ctx).
		Model(&EmergencyContact{}).
		Where("contact_phone = ?", normalized).
		Distinct().
		Order("owner_user_id ASC").
		Pluck("owner_user_id", &owners).
		Error
	if err != nil {
		return nil, err
	}
	return owners, nil
}

// IsEmergencyContact reports whether phone is one of the owner's contacts.
func (s *Service) IsEmergencyContact(ctx context.Context, ownerUserID, phone string) (bool, error) {
	normalized := identity.NormalizePhone(phone)
	if normalized == "" || normalize(ownerUserID) == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&EmergencyContact{}).
		Where("owner_user_id = ? AND contact_phone = ?", normalize(ownerUserID), normalized).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
