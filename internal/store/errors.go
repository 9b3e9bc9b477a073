package store

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired means the token is unknown or its session has timed out.
	ErrSessionExpired = errors.New("session expired or not found")
	// ErrNotFound means the room, event or screenshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEventExists means an append named an event id the room already has.
	ErrEventExists = errors.New("event already exists")

	// ErrQuotaExceeded is wrapped by every limit error.
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrRoomLimitExceeded    = fmt.Errorf("%w: room limit reached", ErrQuotaExceeded)
	ErrMessageLimitExceeded = fmt.Errorf("%w: message limit reached", ErrQuotaExceeded)
	ErrMemoryLimitExceeded  = fmt.Errorf("%w: memory limit reached", ErrQuotaExceeded)
)
