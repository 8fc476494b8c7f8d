// Package rooms keeps the in-memory room registry, the live connection table
// and the fan-out of messages to room members for a single server process.
package rooms

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ownRoomPrefix = "user:"

// OwnRoomID derives the key of the personal room owned by userID. Clients
// rely on this exact form to find a user's room after reconnecting.
func OwnRoomID(userID string) string {
	return ownRoomPrefix + userID
}

// Sender delivers one serialized message to a live connection.
type Sender interface {
	Send(payload []byte) error
}

type closingSender interface {
	Close(code int, reason string)
}

// HubConfig wires collaborators for the hub.
type HubConfig struct {
	Logger     *zap.Logger
	Clock      func() time.Time
	IDProvider func() string
}

// Hub guards rooms and connections with one mutex. Messages are always sent
// after the lock is released.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*room
	conns    map[string]*connection
	sequence uint64
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() string
}

type connection struct {
	id         string
	identity   identity.Identity
	phone      string
	sender     Sender
	rooms      map[string]struct{}
	autoJoined bool
}

type room struct {
	id          string
	owner       identity.Identity
	ownerConnID string
	contacts    map[string]struct{}
	contactList []string
	members     []*connection
	active      bool
	sequence    uint64
}

type delivery struct {
	conn    *connection
	roomID  string
	payload []byte
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = uuid.NewString
	}
	return &Hub{
		rooms:  make(map[string]*room),
		conns:  make(map[string]*connection),
		logger: logger,
		clock:  clock,
		newID:  newID,
	}
}

// Register tracks a live connection for the authenticated identity.
func (h *Hub) Register(connID string, ident identity.Identity, sender Sender) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[connID]; exists {
		return ErrConnectionExists
	}
	h.conns[connID] = &connection{
		id:       connID,
		identity: ident,
		phone:    ident.NormalizedPhone(),
		sender:   sender,
		rooms:    make(map[string]struct{}),
	}
	return nil
}

// RemoveConnection drops the connection from every room it joined, tells the
// remaining members, deletes rooms that became empty and forgets the record.
func (h *Hub) RemoveConnection(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	var outbox []delivery
	for _, roomID := range h.sortedRoomIDsLocked(conn.rooms) {
		remaining := h.leaveLocked(roomID, conn)
		if len(remaining) == 0 {
			continue
		}
		payload := h.marshal(UserLeftMessage{
			Type:     TypeUserLeft,
			RoomID:   roomID,
			ClientID: conn.id,
			User:     conn.identity,
		})
		outbox = appendFanout(outbox, remaining, roomID, payload, "")
	}
	delete(h.conns, connID)
	h.mu.Unlock()

	h.deliver(outbox)
}

// AutoJoin enrolls the connection into every active room that lists its
// phone as an emergency contact. It runs at most once per connection.
func (h *Hub) AutoJoin(connID string) []RoomInfo {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if !ok || conn.autoJoined {
		h.mu.Unlock()
		return nil
	}
	conn.autoJoined = true
	if conn.phone == "" {
		h.mu.Unlock()
		return nil
	}

	var (
		outbox  []delivery
		joined  []RoomInfo
		summary []AutoJoinedRoom
	)
	for _, current := range h.orderedRoomsLocked() {
		if !current.active || !current.hasContact(conn.phone) || current.hasMember(conn.id) {
			continue
		}
		notice := h.marshal(UserJoinedMessage{
			Type:     TypeUserJoined,
			RoomID:   current.id,
			ClientID: conn.id,
			User:     conn.identity,
		})
		outbox = appendFanout(outbox, current.members, current.id, notice, "")
		h.joinLocked(current, conn)
		outbox = append(outbox, delivery{conn: conn, payload: h.marshal(AutoJoinedMessage{
			Type:      TypeAutoJoined,
			RoomID:    current.id,
			RoomOwner: current.owner,
		})})
		joined = append(joined, current.info())
		summary = append(summary, AutoJoinedRoom{RoomID: current.id, RoomOwner: current.owner})
	}
	if len(summary) > 0 {
		outbox = append(outbox, delivery{conn: conn, payload: h.marshal(AutoJoinSummaryMessage{
			Type:        TypeAutoJoinSummary,
			RoomsJoined: summary,
		})})
	}
	h.mu.Unlock()

	h.deliver(outbox)
	if len(joined) > 0 {
		h.logger.Info("auto joined rooms",
			zap.String("connection_id", connID),
			zap.Int("rooms", len(joined)),
		)
	}
	return joined
}

// Close closes every tracked connection and clears hub state.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*connection)
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, conn := range conns {
		if closer, ok := conn.sender.(closingSender); ok {
			closer.Close(1001, "server shutdown")
		}
	}
}

func (h *Hub) deliver(outbox []delivery) int {
	delivered := 0
	var failed []delivery
	for _, item := range outbox {
		if err := item.conn.sender.Send(item.payload); err != nil {
			h.logger.Warn("websocket send failed",
				zap.String("connection_id", item.conn.id),
				zap.String("room_id", item.roomID),
				zap.Error(err),
			)
			if item.roomID != "" {
				failed = append(failed, item)
			}
			continue
		}
		delivered++
	}
	if len(failed) == 0 {
		return delivered
	}
	h.mu.Lock()
	for _, item := range failed {
		if current, ok := h.conns[item.conn.id]; ok && current == item.conn {
			h.leaveLocked(item.roomID, item.conn)
		}
	}
	h.mu.Unlock()
	return delivered
}

func (h *Hub) marshal(message any) []byte {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("websocket message encode failed", zap.Error(err))
		return nil
	}
	return payload
}

func (h *Hub) lookupLocked(connID string) (*connection, error) {
	conn, ok := h.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return conn, nil
}

func (h *Hub) joinLocked(target *room, conn *connection) {
	target.members = append(target.members, conn)
	conn.rooms[target.id] = struct{}{}
}

// leaveLocked removes conn from the room and returns the remaining members.
// The room is deleted once nobody is left.
func (h *Hub) leaveLocked(roomID string, conn *connection) []*connection {
	delete(conn.rooms, roomID)
	target, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	for index, member := range target.members {
		if member.id == conn.id {
			target.members = append(target.members[:index], target.members[index+1:]...)
			break
		}
	}
	if len(target.members) == 0 {
		delete(h.rooms, roomID)
		return nil
	}
	return append([]*connection(nil), target.members...)
}

func (h *Hub) orderedRoomsLocked() []*room {
	ordered := make([]*room, 0, len(h.rooms))
	for _, current := range h.rooms {
		ordered = append(ordered, current)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].sequence < ordered[j].sequence
	})
	return ordered
}

func (h *Hub) sortedRoomIDsLocked(ids map[string]struct{}) []string {
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		left, right := h.rooms[ordered[i]], h.rooms[ordered[j]]
		if left == nil || right == nil {
			return ordered[i] < ordered[j]
		}
		return left.sequence < right.sequence
	})
	return ordered
}

func appendFanout(outbox []delivery, members []*connection, roomID string, payload []byte, excludeConnID string) []delivery {
	if payload == nil {
		return outbox
	}
	for _, member := range members {
		if excludeConnID != "" && member.id == excludeConnID {
			continue
		}
		outbox = append(outbox, delivery{conn: member, roomID: roomID, payload: payload})
	}
	return outbox
}

func (r *room) hasContact(phone string) bool {
	if phone == "" {
		return false
	}
	_, ok := r.contacts[phone]
	return ok
}

func (r *room) hasMember(connID string) bool {
	for _, member := range r.members {
		if member.id == connID {
			return true
		}
	}
	return false
}

func (r *room) authorizes(ident identity.Identity) bool {
	if ident.UserID != "" && ident.UserID == r.owner.UserID {
		return true
	}
	return r.hasContact(ident.NormalizedPhone())
}

func (r *room) info() RoomInfo {
	return RoomInfo{
		ID:                r.id,
		Owner:             r.owner,
		EmergencyContacts: append([]string{}, r.contactList...),
		Active:            r.active,
		MemberCount:       len(r.members),
	}
}

func (r *room) setContacts(phones []string) {
	normalized := identity.NormalizePhones(phones)
	r.contacts = make(map[string]struct{}, len(normalized))
	for _, phone := range normalized {
		r.contacts[phone] = struct{}{}
	}
	r.contactList = normalized
}
