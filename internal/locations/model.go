package locations

import "time"

// Record is one accepted location report. Rows are append-only apart from
// acknowledgement and are pruned per user by the retention policy.
type Record struct {
	ID                string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID            string     `gorm:"column:user_id;size:190;not null;index:idx_location_user_day,priority:1" json:"userId"`
	Latitude          float64    `gorm:"column:latitude;not null" json:"latitude"`
	Longitude         float64    `gorm:"column:longitude;not null" json:"longitude"`
	Accuracy          *float64   `gorm:"column:accuracy" json:"accuracy,omitempty"`
	FormattedLocation string     `gorm:"column:formatted_location;size:512" json:"formattedLocation,omitempty"`
	SOS               bool       `gorm:"column:sos;not null;default:false" json:"sos"`
	Acknowledged      bool       `gorm:"column:acknowledged;not null;default:false" json:"acknowledged"`
	AcknowledgedBy    string     `gorm:"column:acknowledged_by;size:190" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt    *time.Time `gorm:"column:acknowledged_at" json:"acknowledgedAt,omitempty"`
	RecordedAt        time.Time  `gorm:"column:recorded_at;not null;index" json:"timestamp"`
	RecordedDay       string     `gorm:"column:recorded_day;size:10;not null;index:idx_location_user_day,priority:2" json:"day"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName exposes the table backing location records.
func (Record) TableName() string {
	return "location_records"
}

// Update is a location report as submitted by a client.
type Update struct {
	Latitude          float64
	Longitude         float64
	Accuracy          *float64
	Timestamp         time.Time
	FormattedLocation string
	RoomID            string
	SOS               bool
}

// PostResult describes an accepted update.
type PostResult struct {
	Record Record
	Rooms  []string
}

// UserHistory groups the retained records of one protected user.
type UserHistory struct {
	UserID  string   `json:"userId"`
	Records []Record `json:"locations"`
}

// LocationUpdateMessage is broadcast to every resolved room.
type LocationUpdateMessage struct {
	Type              string    `json:"type"`
	RoomID            string    `json:"roomId"`
	LocationID        string    `json:"locationId"`
	UserID            string    `json:"userId"`
	UserName          string    `json:"userName,omitempty"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Accuracy          *float64  `json:"accuracy,omitempty"`
	FormattedLocation string    `json:"formattedLocation,omitempty"`
	SOS               bool      `json:"sos"`
	Timestamp         time.Time `json:"timestamp"`
}
