package rooms

import (
	"time"

	"github.com/JullianMQ/lifeline/internal/identity"
)

// Websocket message types.
const (
	TypeConnected          = "connected"
	TypeCreateRoom         = "create-room"
	TypeRoomCreated        = "room-created"
	TypeEnsureRoom         = "ensure-room"
	TypeJoinRoom           = "join-room"
	TypeJoinApproved       = "join-approved"
	TypeJoinDenied         = "join-denied"
	TypeLeaveRoom          = "leave-room"
	TypeLeftRoom           = "left-room"
	TypeUserJoined         = "user-joined"
	TypeUserLeft           = "user-left"
	TypeAutoJoined         = "auto-joined"
	TypeAutoJoinSummary    = "auto-join-summary"
	TypeEmergencySOS       = "emergency-sos"
	TypeEmergencyAlert     = "emergency-alert"
	TypeEmergencyActivated = "emergency-activated"
	TypeEmergencyConfirmed = "emergency-confirmed"
	TypeSetRoomActive      = "set-room-active"
	TypeRoomUpdated        = "room-updated"
	TypeGetUsers           = "get_users"
	TypeRoomUsers          = "room-users"
	TypeChat               = "chat"
	TypeChatMessage        = "chat-message"
	TypeLocationUpdate     = "location-update"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	ID                string            `json:"roomId"`
	Owner             identity.Identity `json:"owner"`
	EmergencyContacts []string          `json:"emergencyContacts"`
	Active            bool              `json:"isActive"`
	MemberCount       int               `json:"memberCount"`
}

// UserJoinedMessage tells room members that a connection joined.
type UserJoinedMessage struct {
	Type     string            `json:"type"`
	RoomID   string            `json:"roomId"`
	ClientID string            `json:"clientId"`
	User     identity.Identity `json:"user"`
}

// UserLeftMessage tells room members that a connection left.
type UserLeftMessage struct {
	Type     string            `json:"type"`
	RoomID   string            `json:"roomId"`
	ClientID string            `json:"clientId"`
	User     identity.Identity `json:"user"`
}

// AutoJoinedMessage is sent to a contact enrolled into one room on connect.
type AutoJoinedMessage struct {
	Type      string            `json:"type"`
	RoomID    string            `json:"roomId"`
	RoomOwner identity.Identity `json:"roomOwner"`
}

// AutoJoinedRoom is one entry of an auto-join summary.
type AutoJoinedRoom struct {
	RoomID    string            `json:"roomId"`
	RoomOwner identity.Identity `json:"roomOwner"`
}

// AutoJoinSummaryMessage lists every room a contact was enrolled into.
type AutoJoinSummaryMessage struct {
	Type        string           `json:"type"`
	RoomsJoined []AutoJoinedRoom `json:"roomsJoined"`
}

// EmergencyAlertMessage is sent directly to each connected contact of a
// room whose owner raised an SOS.
type EmergencyAlertMessage struct {
	Type      string            `json:"type"`
	RoomID    string            `json:"roomId"`
	From      identity.Identity `json:"from"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}

// EmergencyActivatedMessage tells the members of a room that its owner raised an SOS.
type EmergencyActivatedMessage struct {
	Type        string            `json:"type"`
	RoomID      string            `json:"roomId"`
	ActivatedBy identity.Identity `json:"activatedBy"`
	Timestamp   time.Time         `json:"timestamp"`
}
