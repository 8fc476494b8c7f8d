package rooms

import (
	"go.uber.org/zap"
)

const emergencyAlertText = "Emergency SOS activated"

// Broadcast serializes message once and sends it to every member of the room
// except excludeConnID. Members whose send fails are dropped from the room;
// the rest still receive the message. It returns the number of deliveries.
func (h *Hub) Broadcast(roomID string, message any, excludeConnID string) int {
	payload := h.marshal(message)
	if payload == nil {
		return 0
	}
	h.mu.Lock()
	target, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	outbox := appendFanout(nil, target.members, roomID, payload, excludeConnID)
	h.mu.Unlock()

	return h.deliver(outbox)
}

// SendTo delivers message to a single connection.
func (h *Hub) SendTo(connID string, message any) error {
	h.mu.Lock()
	conn, err := h.lookupLocked(connID)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	payload := h.marshal(message)
	if payload == nil {
		return nil
	}
	return conn.sender.Send(payload)
}

// EmergencySOS activates every room owned by the connection's user, sends a
// direct emergency-alert to each connected contact of those rooms and
// broadcasts emergency-activated to the members. It returns the activated
// room ids in creation order.
func (h *Hub) EmergencySOS(connID string) ([]string, error) {
	h.mu.Lock()
	conn, err := h.lookupLocked(connID)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	var owned []*room
	for _, current := range h.orderedRoomsLocked() {
		if current.owner.UserID == conn.identity.UserID {
			owned = append(owned, current)
		}
	}
	if len(owned) == 0 {
		h.mu.Unlock()
		return nil, ErrNoOwnedRooms
	}

	now := h.clock().UTC()
	activated := make([]string, 0, len(owned))
	var outbox []delivery
	for _, current := range owned {
		current.active = true
		activated = append(activated, current.id)

		alert := h.marshal(EmergencyAlertMessage{
			Type:      TypeEmergencyAlert,
			RoomID:    current.id,
			From:      conn.identity,
			Message:   emergencyAlertText,
			Timestamp: now,
		})
		for _, contact := range h.connectedContactsLocked(current, conn.id) {
			outbox = append(outbox, delivery{conn: contact, payload: alert})
		}
		outbox = appendFanout(outbox, current.members, current.id, h.marshal(EmergencyActivatedMessage{
			Type:        TypeEmergencyActivated,
			RoomID:      current.id,
			ActivatedBy: conn.identity,
			Timestamp:   now,
		}), "")
	}
	h.mu.Unlock()

	h.deliver(outbox)
	h.logger.Info("emergency sos activated",
		zap.String("connection_id", connID),
		zap.String("user_id", conn.identity.UserID),
		zap.Strings("room_ids", activated),
	)
	return activated, nil
}

func (h *Hub) connectedContactsLocked(target *room, ownerConnID string) []*connection {
	var contacts []*connection
	for _, candidate := range h.conns {
		if candidate.id == ownerConnID || !target.hasContact(candidate.phone) {
			continue
		}
		contacts = append(contacts, candidate)
	}
	return contacts
}
