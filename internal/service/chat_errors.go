package service

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the chat subsystem. Specific errors wrap one of
// these so callers can classify them with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	// ErrConflict marks a lost uniqueness race. It is recovered internally
	// and never returned to callers.
	ErrConflict = errors.New("conflict")
)

var (
	ErrNotParticipant      = fmt.Errorf("%w: not a participant", ErrPermissionDenied)
	ErrNotAdmin            = fmt.Errorf("%w: must be admin", ErrPermissionDenied)
	ErrGroupOnly           = fmt.Errorf("%w: operation not valid for direct messages", ErrInvalidState)
	ErrChatroomNotFound    = fmt.Errorf("%w: chatroom not found", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("%w: participant not found", ErrNotFound)
	ErrSelfDirectChat      = fmt.Errorf("%w: cannot start a direct chat with yourself", ErrInvalidArgument)
	ErrInvalidCursor       = fmt.Errorf("%w: invalid cursor", ErrInvalidArgument)
	ErrEmptyContent        = fmt.Errorf("%w: message content empty after sanitization", ErrInvalidArgument)
	ErrMetadataConflict    = fmt.Errorf("%w: shared content and link preview are mutually exclusive", ErrInvalidArgument)
)

func invalidArgument(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, err.Error())
}
