package locations

import (
	"context"
	"errors"
	"strings"

	"github.com/JullianMQ/lifeline/internal/apperrors"
	"github.com/JullianMQ/lifeline/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// History returns the user's retained records, newest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, withOperation(opHistory, ErrNotAuthorized)
	}
	var records []Record
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("recorded_at DESC").
		Find(&records).
		Error
	if err != nil {
		l.logError(opHistory, "query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.New(apperrors.KindPersistence, opHistory, "failed to load locations", err)
	}
	return records, nil
}

// ContactHistory returns the retained records of every user that lists the
// caller's phone as an emergency contact.
func (l *Ledger) ContactHistory(ctx context.Context, caller identity.Identity) ([]UserHistory, error) {
	if !caller.Valid() {
		return nil, withOperation(opContacts, ErrNotAuthorized)
	}
	if l.contacts == nil || caller.NormalizedPhone() == "" {
		return []UserHistory{}, nil
	}
	owners, err := l.contacts.ProtectedUserIDs(ctx, caller.NormalizedPhone())
	if err != nil {
		l.logError(opContacts, "contact_lookup_failed", err, zap.String("user_id", caller.UserID))
		return nil, apperrors.New(apperrors.KindPersistence, opContacts, "failed to load contacts", err)
	}
	histories := make([]UserHistory, 0, len(owners))
	if len(owners) == 0 {
		return histories, nil
	}

	var records []Record
	err = l.db.WithContext(ctx).
		Where("user_id IN ?", owners).
		Order("user_id ASC").
		Order("recorded_at DESC").
		Find(&records).
		Error
	if err != nil {
		l.logError(opContacts, "query_failed", err, zap.String("user_id", caller.UserID))
		return nil, apperrors.New(apperrors.KindPersistence, opContacts, "failed to load locations", err)
	}
	grouped := make(map[string][]Record, len(owners))
	for _, record := range records {
		grouped[record.UserID] = append(grouped[record.UserID], record)
	}
	for _, owner := range owners {
		list := grouped[owner]
		if list == nil {
			list = []Record{}
		}
		histories = append(histories, UserHistory{UserID: owner, Records: list})
	}
	return histories, nil
}

// Acknowledge marks a record as seen. The record owner and the owner's
// emergency contacts may acknowledge it.
func (l *Ledger) Acknowledge(ctx context.Context, caller identity.Identity, recordID string) (Record, error) {
	if !caller.Valid() {
		return Record{}, withOperation(opAcknowledge, ErrNotAuthorized)
	}
	var record Record
	err := l.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(recordID)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, withOperation(opAcknowledge, ErrLocationNotFound)
	}
	if err != nil {
		l.logError(opAcknowledge, "query_failed", err, zap.String("location_id", recordID))
		return Record{}, apperrors.New(apperrors.KindPersistence, opAcknowledge, "failed to load location", err)
	}

	if record.UserID != caller.UserID {
		allowed := false
		if l.contacts != nil {
			allowed, err = l.contacts.IsEmergencyContact(ctx, record.UserID, caller.NormalizedPhone())
			if err != nil {
				l.logError(opAcknowledge, "contact_lookup_failed", err, zap.String("location_id", recordID))
				return Record{}, apperrors.New(apperrors.KindPersistence, opAcknowledge, "failed to load contacts", err)
			}
		}
		if !allowed {
			return Record{}, withOperation(opAcknowledge, ErrNotAuthorized)
		}
	}

	acknowledgedAt := l.clock().UTC()
	err = l.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_by": caller.UserID,
			"acknowledged_at": acknowledgedAt,
		}).
		Error
	if err != nil {
		l.logError(opAcknowledge, "update_failed", err, zap.String("location_id", recordID))
		return Record{}, apperrors.New(apperrors.KindPersistence, opAcknowledge, "failed to acknowledge location", err)
	}
	record.Acknowledged = true
	record.AcknowledgedBy = caller.UserID
	record.AcknowledgedAt = &acknowledgedAt
	return record, nil
}
