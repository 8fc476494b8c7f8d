package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/JullianMQ/lifeline/internal/apperrors"
	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/JullianMQ/lifeline/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const contactLookupTimeout = 5 * time.Second

type inboundMessage struct {
	Type              string   `json:"type"`
	RoomID            string   `json:"roomId,omitempty"`
	EmergencyContacts []string `json:"emergencyContacts,omitempty"`
	Active            *bool    `json:"isActive,omitempty"`
	Message           string   `json:"message,omitempty"`
}

type connectedMessage struct {
	Type     string            `json:"type"`
	ClientID string            `json:"clientId"`
	User     identity.Identity `json:"user"`
	RoomIDs  []string          `json:"roomIds"`
}

type roomCreatedMessage struct {
	Type              string            `json:"type"`
	RoomID            string            `json:"roomId"`
	Owner             identity.Identity `json:"owner"`
	EmergencyContacts []string          `json:"emergencyContacts"`
}

type roomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type joinDeniedMessage struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

type emergencyConfirmedMessage struct {
	Type           string   `json:"type"`
	ActivatedRooms []string `json:"activatedRooms"`
}

type roomUpdatedMessage struct {
	Type string         `json:"type"`
	Room rooms.RoomInfo `json:"room"`
}

type roomUsersMessage struct {
	Type   string              `json:"type"`
	RoomID string              `json:"roomId"`
	Users  []identity.Identity `json:"users"`
}

type chatMessage struct {
	Type      string            `json:"type"`
	RoomID    string            `json:"roomId"`
	From      identity.Identity `json:"from"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type socketSession struct {
	handler  *httpHandler
	conn     *Connection
	identity identity.Identity
	logger   *zap.Logger
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	caller := callerIdentity(c)
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", caller.UserID), zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.sendBuffer)
	conn.Start()
	if err := h.hub.Register(conn.ID, caller, conn); err != nil {
		h.logger.Error("websocket register failed", zap.String("connection_id", conn.ID), zap.Error(err))
		conn.Close(websocket.CloseInternalServerErr, "register failed")
		return
	}
	session := &socketSession{
		handler:  h,
		conn:     conn,
		identity: caller,
		logger:   h.logger.With(zap.String("connection_id", conn.ID), zap.String("user_id", caller.UserID)),
	}
	defer func() {
		h.hub.RemoveConnection(conn.ID)
		conn.Close(websocket.CloseNormalClosure, "session closed")
		session.logger.Info("websocket disconnected")
	}()

	session.logger.Info("websocket connected")
	session.handshake(c.Request.Context())
	session.readLoop(ws)
}

// handshake announces the connection, restores the caller's own room from
// the contact table and then joins the rooms that list the caller's phone.
func (s *socketSession) handshake(ctx context.Context) {
	hub := s.handler.hub
	s.reply(connectedMessage{
		Type:     rooms.TypeConnected,
		ClientID: s.conn.ID,
		User:     s.identity,
		RoomIDs:  nonNil(hub.AuthorizedRoomIDs(s.identity)),
	})
	s.restoreOwnRoom(ctx)
	hub.AutoJoin(s.conn.ID)
}

func (s *socketSession) restoreOwnRoom(ctx context.Context) {
	if s.handler.users == nil {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, contactLookupTimeout)
	defer cancel()
	phones, err := s.handler.users.ContactPhones(lookupCtx, s.identity.UserID)
	if err != nil {
		s.logger.Warn("contact lookup failed", zap.Error(err))
		return
	}
	if len(phones) == 0 {
		return
	}
	s.ensureOwnRoom(phones)
}

func (s *socketSession) ensureOwnRoom(contacts []string) {
	info, created, err := s.handler.hub.EnsureOwnRoom(s.conn.ID, contacts)
	if err != nil {
		s.replyError(err)
		return
	}
	if created {
		s.reply(roomCreatedMessage{
			Type:              rooms.TypeRoomCreated,
			RoomID:            info.ID,
			Owner:             info.Owner,
			EmergencyContacts: nonNil(info.EmergencyContacts),
		})
		return
	}
	s.reply(roomMessage{Type: rooms.TypeJoinApproved, RoomID: info.ID})
}

func (s *socketSession) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var message inboundMessage
		if err := json.Unmarshal(data, &message); err != nil {
			s.reply(errorMessage{Type: rooms.TypeError, Code: string(apperrors.KindValidation), Message: "Invalid message"})
			continue
		}
		s.dispatch(message)
	}
}

func (s *socketSession) dispatch(message inboundMessage) {
	hub := s.handler.hub
	roomID := strings.TrimSpace(message.RoomID)

	switch message.Type {
	case rooms.TypeCreateRoom:
		info, err := hub.CreateRoom(s.conn.ID, roomID, message.EmergencyContacts)
		if err != nil {
			s.replyError(err)
			return
		}
		s.reply(roomCreatedMessage{
			Type:              rooms.TypeRoomCreated,
			RoomID:            info.ID,
			Owner:             info.Owner,
			EmergencyContacts: nonNil(info.EmergencyContacts),
		})
	case rooms.TypeEnsureRoom:
		s.ensureOwnRoom(message.EmergencyContacts)
	case rooms.TypeJoinRoom:
		if err := hub.JoinRoom(s.conn.ID, roomID); err != nil {
			s.reply(joinDeniedMessage{Type: rooms.TypeJoinDenied, RoomID: roomID, Message: apperrors.MessageOf(err)})
			return
		}
		s.reply(roomMessage{Type: rooms.TypeJoinApproved, RoomID: roomID})
	case rooms.TypeLeaveRoom:
		if err := hub.LeaveRoom(s.conn.ID, roomID); err != nil {
			s.replyError(err)
			return
		}
		s.reply(roomMessage{Type: rooms.TypeLeftRoom, RoomID: roomID})
	case rooms.TypeEmergencySOS:
		activated, err := hub.EmergencySOS(s.conn.ID)
		if err != nil {
			s.replyError(err)
			return
		}
		s.reply(emergencyConfirmedMessage{Type: rooms.TypeEmergencyConfirmed, ActivatedRooms: activated})
	case rooms.TypeSetRoomActive:
		if message.Active == nil {
			s.reply(errorMessage{Type: rooms.TypeError, Code: string(apperrors.KindValidation), Message: "isActive is required"})
			return
		}
		info, err := hub.SetRoomActive(s.conn.ID, roomID, *message.Active)
		if err != nil {
			s.replyError(err)
			return
		}
		update := roomUpdatedMessage{Type: rooms.TypeRoomUpdated, Room: info}
		hub.Broadcast(roomID, update, s.conn.ID)
		s.reply(update)
	case rooms.TypeGetUsers:
		members, err := hub.RoomUsers(s.conn.ID, roomID)
		if err != nil {
			s.replyError(err)
			return
		}
		s.reply(roomUsersMessage{Type: rooms.TypeRoomUsers, RoomID: roomID, Users: members})
	case rooms.TypeChat:
		if _, err := hub.RoomUsers(s.conn.ID, roomID); err != nil {
			s.replyError(err)
			return
		}
		hub.Broadcast(roomID, chatMessage{
			Type:      rooms.TypeChatMessage,
			RoomID:    roomID,
			From:      s.identity,
			Message:   message.Message,
			Timestamp: time.Now().UTC(),
		}, "")
	case rooms.TypePing:
		s.reply(roomMessage{Type: rooms.TypePong, RoomID: roomID})
	default:
		s.reply(errorMessage{Type: rooms.TypeError, Code: string(apperrors.KindValidation), Message: "Unknown message type"})
	}
}

func (s *socketSession) reply(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("websocket reply encode failed", zap.Error(err))
		return
	}
	if err := s.conn.Send(payload); err != nil {
		s.logger.Debug("websocket reply dropped", zap.Error(err))
	}
}

func (s *socketSession) replyError(err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal {
		s.logger.Error("websocket request failed", zap.Error(err))
	}
	s.reply(errorMessage{Type: rooms.TypeError, Code: string(kind), Message: apperrors.MessageOf(err)})
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
