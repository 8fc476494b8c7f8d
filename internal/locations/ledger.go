// Package locations persists location reports under a per-user retention
// window and fans them out to the rooms the reporter is authorized in.
package locations

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JullianMQ/lifeline/internal/alerts"
	"github.com/JullianMQ/lifeline/internal/apperrors"
	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/JullianMQ/lifeline/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLedgerNew    = "locations.ledger.new"
	opPostLocation = "locations.post_location"
	opSendSOS      = "locations.send_sos"
	opHistory      = "locations.history"
	opContacts     = "locations.contact_history"
	opAcknowledge  = "locations.acknowledge"

	// TypeLocationUpdate is the websocket message type for broadcast updates.
	TypeLocationUpdate = "location-update"

	defaultRetentionDays = 3
	dayLayout            = "2006-01-02"
	maxClockSkew         = 5 * time.Minute
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingRooms     = errors.New("room directory is required")
	errOutsideRetention = errors.New("record falls outside the retention window")
	noOpLogger          = zap.NewNop()
)

// RoomDirectory answers room authorization questions.
type RoomDirectory interface {
	CheckRoomAccess(caller identity.Identity, roomID string) error
	ActiveAuthorizedRoomIDs(caller identity.Identity) []string
}

// Broadcaster fans a message out to the members of a room.
type Broadcaster interface {
	Broadcast(roomID string, message any, excludeConnID string) int
}

// ContactDirectory reads the emergency-contact table.
type ContactDirectory interface {
	EmergencyContacts(ctx context.Context, ownerUserID string) ([]users.EmergencyContact, error)
	ProtectedUserIDs(ctx context.Context, phone string) ([]string, error)
	IsEmergencyContact(ctx context.Context, ownerUserID, phone string) (bool, error)
}

// Retention bounds how many calendar days of history are kept per user.
type Retention struct {
	Days     int
	Location *time.Location
}

// LedgerConfig wires the ledger collaborators.
type LedgerConfig struct {
	Database    *gorm.DB
	Rooms       RoomDirectory
	Broadcaster Broadcaster
	Contacts    ContactDirectory
	Mailer      alerts.Mailer
	Retention   Retention
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
}

// Ledger stores and distributes location reports.
type Ledger struct {
	db          *gorm.DB
	rooms       RoomDirectory
	broadcaster Broadcaster
	contacts    ContactDirectory
	mailer      alerts.Mailer
	retention   Retention
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
}

// NewLedger validates the configuration and applies defaults.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, apperrors.New(apperrors.KindInternal, opLedgerNew, "missing database", errMissingDatabase)
	}
	if cfg.Rooms == nil {
		return nil, apperrors.New(apperrors.KindInternal, opLedgerNew, "missing room directory", errMissingRooms)
	}
	retention := cfg.Retention
	if retention.Days <= 0 {
		retention.Days = defaultRetentionDays
	}
	if retention.Location == nil {
		retention.Location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:          cfg.Database,
		rooms:       cfg.Rooms,
		broadcaster: cfg.Broadcaster,
		contacts:    cfg.Contacts,
		mailer:      cfg.Mailer,
		retention:   retention,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// PostLocation authorizes, validates and stores an update, prunes the
// caller's history beyond the retention window in the same transaction and
// broadcasts the update to every resolved room. SOS updates then email each
// of the caller's contacts; email failures never fail the post.
func (l *Ledger) PostLocation(ctx context.Context, caller identity.Identity, update Update) (PostResult, error) {
	if !caller.Valid() {
		return PostResult{}, withOperation(opPostLocation, ErrNotAuthorized)
	}
	if err := l.validate(update); err != nil {
		return PostResult{}, err
	}
	roomIDs, err := l.resolveRooms(caller, strings.TrimSpace(update.RoomID))
	if err != nil {
		return PostResult{}, err
	}

	recordID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opPostLocation, "id_generation_failed", err, zap.String("user_id", caller.UserID))
		return PostResult{}, persistenceError(opPostLocation, err)
	}
	recordedAt := update.Timestamp.UTC()
	record := Record{
		ID:                recordID,
		UserID:            caller.UserID,
		Latitude:          update.Latitude,
		Longitude:         update.Longitude,
		Accuracy:          update.Accuracy,
		FormattedLocation: strings.TrimSpace(update.FormattedLocation),
		SOS:               update.SOS,
		RecordedAt:        recordedAt,
		RecordedDay:       recordedAt.In(l.retention.Location).Format(dayLayout),
	}

	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			l.logError(opPostLocation, "insert_failed", err, zap.String("user_id", caller.UserID))
			return err
		}
		evicted, err := l.prune(tx, caller.UserID, record.RecordedDay)
		if err != nil {
			l.logError(opPostLocation, "retention_failed", err, zap.String("user_id", caller.UserID))
			return err
		}
		if evicted {
			return errOutsideRetention
		}
		return nil
	})
	if errors.Is(txErr, errOutsideRetention) {
		l.logger.Info("location older than retained history rejected",
			zap.String("user_id", caller.UserID),
			zap.String("recorded_day", record.RecordedDay),
		)
		return PostResult{}, withOperation(opPostLocation, ErrOutsideRetention)
	}
	if txErr != nil {
		return PostResult{}, persistenceError(opPostLocation, txErr)
	}

	l.broadcast(caller, record, roomIDs)
	if record.SOS {
		l.sendSOSEmails(ctx, caller, record, roomIDs)
	}
	return PostResult{Record: record, Rooms: roomIDs}, nil
}

func (l *Ledger) validate(update Update) error {
	if !validCoordinate(update.Latitude, 90) || !validCoordinate(update.Longitude, 180) {
		return withOperation(opPostLocation, ErrInvalidCoordinates)
	}
	if update.Accuracy != nil && (math.IsNaN(*update.Accuracy) || math.IsInf(*update.Accuracy, 0) || *update.Accuracy < 0) {
		return withOperation(opPostLocation, ErrInvalidCoordinates)
	}
	if update.Timestamp.IsZero() || update.Timestamp.After(l.clock().Add(maxClockSkew)) {
		return withOperation(opPostLocation, ErrInvalidTimestamp)
	}
	return nil
}

func validCoordinate(value, bound float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && value >= -bound && value <= bound
}

func (l *Ledger) resolveRooms(caller identity.Identity, roomID string) ([]string, error) {
	if roomID != "" {
		if err := l.rooms.CheckRoomAccess(caller, roomID); err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				return nil, withOperation(opPostLocation, ErrRoomNotFound)
			}
			return nil, withOperation(opPostLocation, ErrNotAuthorized)
		}
		return []string{roomID}, nil
	}
	roomIDs := l.rooms.ActiveAuthorizedRoomIDs(caller)
	if len(roomIDs) == 0 {
		return nil, withOperation(opPostLocation, ErrNotInActiveRoom)
	}
	return roomIDs, nil
}

// prune deletes whole days older than the N most recent distinct days the
// user has data for. It reports whether insertedDay fell outside that window,
// in which case the caller rolls the transaction back.
func (l *Ledger) prune(tx *gorm.DB, userID, insertedDay string) (bool, error) {
	var days []string
	err := tx.Model(&Record{}).
		Where("user_id = ?", userID).
		Distinct("recorded_day").
		Order("recorded_day DESC").
		Pluck("recorded_day", &days).
		Error
	if err != nil {
		return false, fmt.Errorf("list retained days: %w", err)
	}
	if len(days) <= l.retention.Days {
		return false, nil
	}
	cutoff := days[l.retention.Days-1]
	if insertedDay < cutoff {
		return true, nil
	}
	if err := tx.Where("user_id = ? AND recorded_day < ?", userID, cutoff).Delete(&Record{}).Error; err != nil {
		return false, fmt.Errorf("delete expired days: %w", err)
	}
	return false, nil
}

func (l *Ledger) broadcast(caller identity.Identity, record Record, roomIDs []string) {
	if l.broadcaster == nil {
		return
	}
	for _, roomID := range roomIDs {
		l.broadcaster.Broadcast(roomID, LocationUpdateMessage{
			Type:              TypeLocationUpdate,
			RoomID:            roomID,
			LocationID:        record.ID,
			UserID:            caller.UserID,
			UserName:          caller.Name,
			Latitude:          record.Latitude,
			Longitude:         record.Longitude,
			Accuracy:          record.Accuracy,
			FormattedLocation: record.FormattedLocation,
			SOS:               record.SOS,
			Timestamp:         record.RecordedAt,
		}, "")
	}
}

func (l *Ledger) sendSOSEmails(ctx context.Context, caller identity.Identity, record Record, roomIDs []string) int {
	if l.contacts == nil || l.mailer == nil {
		l.logger.Warn("sos email skipped: no contact directory or mailer", zap.String("user_id", caller.UserID))
		return 0
	}
	contacts, err := l.contacts.EmergencyContacts(ctx, caller.UserID)
	if err != nil {
		l.logError(opSendSOS, "contact_lookup_failed", err, zap.String("user_id", caller.UserID))
		return 0
	}
	sent := 0
	for _, contact := range contacts {
		email := strings.TrimSpace(contact.Email)
		if email == "" {
			continue
		}
		alert := alerts.Alert{
			UserID:            caller.UserID,
			UserName:          caller.Name,
			UserPhone:         caller.NormalizedPhone(),
			ContactName:       contact.Name,
			Latitude:          record.Latitude,
			Longitude:         record.Longitude,
			FormattedLocation: record.FormattedLocation,
			RecordedAt:        record.RecordedAt,
			RoomIDs:           roomIDs,
		}
		if err := l.mailer.Send(ctx, email, alert); err != nil {
			l.logError(opSendSOS, "email_failed", err,
				zap.String("user_id", caller.UserID),
				zap.Uint("contact_id", contact.ID))
			continue
		}
		sent++
	}
	return sent
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("location ledger error", attrs...)
}
