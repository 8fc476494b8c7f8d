package rooms

import (
	"strings"

	"github.com/JullianMQ/lifeline/internal/identity"
	"go.uber.org/zap"
)

// CreateRoom registers a room owned by the connection with the owner as its
// sole member. An empty roomID gets a generated id. A colliding id fails with
// ErrRoomExists and leaves the existing room untouched. Ids under the
// personal-room prefix are reserved: only OwnRoomID of the caller is accepted.
func (h *Hub) CreateRoom(connID, roomID string, contacts []string) (RoomInfo, error) {
	roomID = strings.TrimSpace(roomID)

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		return RoomInfo{}, err
	}
	if strings.HasPrefix(roomID, ownRoomPrefix) && (!conn.identity.Valid() || roomID != OwnRoomID(conn.identity.UserID)) {
		return RoomInfo{}, ErrReservedRoomID
	}
	if roomID == "" {
		roomID = h.newID()
		for h.rooms[roomID] != nil {
			roomID = h.newID()
		}
	}
	if _, exists := h.rooms[roomID]; exists {
		return RoomInfo{}, ErrRoomExists
	}
	created := h.createLocked(roomID, conn, contacts)
	h.logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("owner_id", conn.identity.UserID),
		zap.Int("contacts", len(created.contactList)),
	)
	return created.info(), nil
}

// EnsureOwnRoom creates the caller's personal room keyed by OwnRoomID or,
// when it already exists, refreshes its contact list and rejoins the caller.
// The boolean reports whether the room was created.
func (h *Hub) EnsureOwnRoom(connID string, contacts []string) (RoomInfo, bool, error) {
	h.mu.Lock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		h.mu.Unlock()
		return RoomInfo{}, false, err
	}
	if !conn.identity.Valid() {
		h.mu.Unlock()
		return RoomInfo{}, false, ErrNotAuthorized
	}
	roomID := OwnRoomID(conn.identity.UserID)
	existing, ok := h.rooms[roomID]
	if !ok {
		created := h.createLocked(roomID, conn, contacts)
		info := created.info()
		h.mu.Unlock()
		return info, true, nil
	}
	if existing.owner.UserID != conn.identity.UserID {
		h.mu.Unlock()
		return RoomInfo{}, false, ErrNotAuthorized
	}
	existing.setContacts(contacts)
	var outbox []delivery
	if !existing.hasMember(conn.id) {
		outbox = appendFanout(outbox, existing.members, roomID, h.marshal(UserJoinedMessage{
			Type:     TypeUserJoined,
			RoomID:   roomID,
			ClientID: conn.id,
			User:     conn.identity,
		}), "")
		h.joinLocked(existing, conn)
		existing.ownerConnID = conn.id
	}
	info := existing.info()
	h.mu.Unlock()

	h.deliver(outbox)
	return info, false, nil
}

// JoinRoom adds the connection to a room it is authorized for and tells the
// existing members.
func (h *Hub) JoinRoom(connID, roomID string) error {
	h.mu.Lock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	target, ok := h.rooms[roomID]
	switch {
	case !ok:
		h.mu.Unlock()
		return ErrRoomNotFound
	case !target.active:
		h.mu.Unlock()
		return ErrRoomInactive
	case !target.authorizes(conn.identity):
		h.mu.Unlock()
		return ErrNotAuthorized
	case target.hasMember(conn.id):
		h.mu.Unlock()
		return ErrAlreadyInRoom
	}
	outbox := appendFanout(nil, target.members, roomID, h.marshal(UserJoinedMessage{
		Type:     TypeUserJoined,
		RoomID:   roomID,
		ClientID: conn.id,
		User:     conn.identity,
	}), "")
	h.joinLocked(target, conn)
	h.mu.Unlock()

	h.deliver(outbox)
	return nil
}

// LeaveRoom removes the connection from the room and tells the remaining members.
func (h *Hub) LeaveRoom(connID, roomID string) error {
	h.mu.Lock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	target, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return ErrRoomNotFound
	}
	if !target.hasMember(conn.id) {
		h.mu.Unlock()
		return ErrNotMember
	}
	remaining := h.leaveLocked(roomID, conn)
	outbox := appendFanout(nil, remaining, roomID, h.marshal(UserLeftMessage{
		Type:     TypeUserLeft,
		RoomID:   roomID,
		ClientID: conn.id,
		User:     conn.identity,
	}), "")
	h.mu.Unlock()

	h.deliver(outbox)
	return nil
}

// SetRoomActive toggles whether contacts may join the room. Only the owner may do it.
func (h *Hub) SetRoomActive(connID, roomID string, active bool) (RoomInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		return RoomInfo{}, err
	}
	target, ok := h.rooms[roomID]
	if !ok {
		return RoomInfo{}, ErrRoomNotFound
	}
	if target.owner.UserID != conn.identity.UserID {
		return RoomInfo{}, ErrNotOwner
	}
	target.active = active
	return target.info(), nil
}

// RoomUsers lists the identities of the room members in join order.
func (h *Hub) RoomUsers(connID, roomID string) ([]identity.Identity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		return nil, err
	}
	target, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !target.hasMember(conn.id) {
		return nil, ErrNotMember
	}
	users := make([]identity.Identity, 0, len(target.members))
	for _, member := range target.members {
		users = append(users, member.identity)
	}
	return users, nil
}

// AuthorizedRoomIDs returns every room the identity owns or is a contact of.
func (h *Hub) AuthorizedRoomIDs(ident identity.Identity) []string {
	return h.authorizedRoomIDs(ident, false)
}

// ActiveAuthorizedRoomIDs is AuthorizedRoomIDs restricted to active rooms.
func (h *Hub) ActiveAuthorizedRoomIDs(ident identity.Identity) []string {
	return h.authorizedRoomIDs(ident, true)
}

// CheckRoomAccess reports whether the identity owns or is a contact of the room.
func (h *Hub) CheckRoomAccess(ident identity.Identity, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	target, ok := h.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if !target.authorizes(ident) {
		return ErrNotAuthorized
	}
	return nil
}

// Rooms returns a snapshot of every room in creation order.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	ordered := h.orderedRoomsLocked()
	infos := make([]RoomInfo, 0, len(ordered))
	for _, current := range ordered {
		infos = append(infos, current.info())
	}
	return infos
}

func (h *Hub) authorizedRoomIDs(ident identity.Identity, activeOnly bool) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, current := range h.orderedRoomsLocked() {
		if activeOnly && !current.active {
			continue
		}
		if current.authorizes(ident) {
			ids = append(ids, current.id)
		}
	}
	return ids
}

func (h *Hub) createLocked(roomID string, owner *connection, contacts []string) *room {
	h.sequence++
	created := &room{
		id:          roomID,
		owner:       owner.identity,
		ownerConnID: owner.id,
		active:      true,
		sequence:    h.sequence,
	}
	created.setContacts(contacts)
	h.rooms[roomID] = created
	h.joinLocked(created, owner)
	return created
}
