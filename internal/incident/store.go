package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoIncident is returned by Store.Load when nothing is persisted.
var ErrNoIncident = errors.New("incident: none persisted")

// Store persists the active incident across process restarts.
type Store interface {
	Save(ctx context.Context, incident Incident) error
	Load(ctx context.Context) (Incident, error)
	Delete(ctx context.Context) error
}

const activeSlot = "active"

// Record is the single-row table backing GormStore.
type Record struct {
	Slot          string         `gorm:"column:slot;primaryKey;size:32;not null"`
	IncidentID    string         `gorm:"column:incident_id;size:64;not null"`
	Reason        string         `gorm:"column:reason;size:32;not null"`
	CreatedAtMs   int64          `gorm:"column:created_at_ms;not null"`
	Meta          datatypes.JSON `gorm:"column:meta"`
	UIShown       bool           `gorm:"column:ui_shown;not null;default:false"`
	SOSSent       bool           `gorm:"column:sos_sent;not null;default:false"`
	Acted         bool           `gorm:"column:acted;not null;default:false"`
	SnoozeUntilMs int64          `gorm:"column:snooze_until_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "active_incident"
}

// GormStore keeps the active incident in a one-row table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the incident table and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("incident: database handle is required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("incident: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, incident Incident) error {
	meta, err := json.Marshal(incident.Meta)
	if err != nil {
		return fmt.Errorf("incident: encode meta: %w", err)
	}
	record := Record{
		Slot:        activeSlot,
		IncidentID:  incident.ID,
		Reason:      string(incident.Reason),
		CreatedAtMs: incident.CreatedAt.UnixMilli(),
		Meta:        datatypes.JSON(meta),
		UIShown:     incident.UIShown,
		SOSSent:     incident.SOSSent,
		Acted:       incident.Acted,
	}
	if !incident.SnoozeUntil.IsZero() {
		record.SnoozeUntilMs = incident.SnoozeUntil.UnixMilli()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

func (s *GormStore) Load(ctx context.Context) (Incident, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("slot = ?", activeSlot).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Incident{}, ErrNoIncident
	}
	if err != nil {
		return Incident{}, err
	}
	incident := Incident{
		ID:        record.IncidentID,
		Reason:    Reason(record.Reason),
		CreatedAt: time.UnixMilli(record.CreatedAtMs).UTC(),
		UIShown:   record.UIShown,
		SOSSent:   record.SOSSent,
		Acted:     record.Acted,
	}
	if record.SnoozeUntilMs > 0 {
		incident.SnoozeUntil = time.UnixMilli(record.SnoozeUntilMs).UTC()
	}
	if len(record.Meta) > 0 {
		if err := json.Unmarshal(record.Meta, &incident.Meta); err != nil {
			return Incident{}, fmt.Errorf("incident: decode meta: %w", err)
		}
	}
	return incident, nil
}

func (s *GormStore) Delete(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("slot = ?", activeSlot).Delete(&Record{}).Error
}
