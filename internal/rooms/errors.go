package rooms

import "github.com/JullianMQ/lifeline/internal/apperrors"

var (
	ErrRoomExists        = apperrors.New(apperrors.KindDuplicate, "", "Room already exists", nil)
	ErrRoomNotFound      = apperrors.New(apperrors.KindNotFound, "", "Room not found", nil)
	ErrRoomInactive      = apperrors.New(apperrors.KindValidation, "", "Room is not active", nil)
	ErrNotAuthorized     = apperrors.New(apperrors.KindAuthorization, "", "Not authorized for this room", nil)
	ErrReservedRoomID    = apperrors.New(apperrors.KindAuthorization, "", "Room id is reserved for another user", nil)
	ErrAlreadyInRoom     = apperrors.New(apperrors.KindDuplicate, "", "Already in room", nil)
	ErrNoOwnedRooms      = apperrors.New(apperrors.KindNotFound, "", "No owned rooms found", nil)
	ErrNotMember         = apperrors.New(apperrors.KindAuthorization, "", "Not a member of this room", nil)
	ErrNotOwner          = apperrors.New(apperrors.KindAuthorization, "", "Only the room owner can change this room", nil)
	ErrUnknownConnection = apperrors.New(apperrors.KindNotFound, "", "Connection is not registered", nil)
	ErrConnectionExists  = apperrors.New(apperrors.KindDuplicate, "", "Connection is already registered", nil)
)
