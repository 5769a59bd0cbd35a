package engine

import (
	"errors"
	"fmt"

	"github.com/kajialsoad/cnz-sub006/internal/models"
)

var (
	// ErrEngineBusy is returned when an event kept losing the race for its
	// conversation. The caller may retry the event.
	ErrEngineBusy = errors.New("engine: conversation busy")
	// ErrInvalidEvent is returned for events that fail validation.
	ErrInvalidEvent = errors.New("engine: invalid event")
)

// Error carries the conversation an engine failure belongs to.
type Error struct {
	Op             string
	ChatType       models.ChatType
	ConversationID string
	Err            error
}

func (e *Error) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine: %s %s/%s: %v", e.Op, e.ChatType, e.ConversationID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
