package locations

import "github.com/JullianMQ/lifeline/internal/apperrors"

var (
	ErrNotAuthorized      = apperrors.New(apperrors.KindAuthorization, "", "not authorized", nil)
	ErrNotInActiveRoom    = apperrors.New(apperrors.KindAuthorization, "", "not in any active room", nil)
	ErrRoomNotFound       = apperrors.New(apperrors.KindNotFound, "", "room not found", nil)
	ErrLocationNotFound   = apperrors.New(apperrors.KindNotFound, "", "location not found", nil)
	ErrInvalidCoordinates = apperrors.New(apperrors.KindValidation, "", "invalid coordinates", nil)
	ErrInvalidTimestamp   = apperrors.New(apperrors.KindValidation, "", "invalid timestamp", nil)
	ErrOutsideRetention   = apperrors.New(apperrors.KindValidation, "", "timestamp is older than the retained history", nil)
)

const persistenceMessage = "failed to save location"

func persistenceError(operation string, cause error) error {
	return apperrors.New(apperrors.KindPersistence, operation, persistenceMessage, cause)
}

func withOperation(operation string, sentinel *apperrors.Error) error {
	return apperrors.New(sentinel.Kind(), operation, sentinel.Message(), nil)
}
