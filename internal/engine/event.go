package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

// Sender identifies who wrote an inbound message.
type Sender string

const (
	SenderUser  Sender = "USER"
	SenderAdmin Sender = "ADMIN"
)

// ParseSender accepts the sender name in any case.
func ParseSender(s string) (Sender, error) {
	switch Sender(strings.ToUpper(strings.TrimSpace(s))) {
	case SenderUser:
		return SenderUser, nil
	case SenderAdmin:
		return SenderAdmin, nil
	}
	return "", fmt.Errorf("engine: unknown sender %q", s)
}

func (s Sender) kind() trigger.EventKind {
	if s == SenderAdmin {
		return trigger.EventAdminReply
	}
	return trigger.EventUserMessage
}

// Event is one inbound chat message as reported by the transport.
type Event struct {
	ID             string          `json:"id,omitempty"`
	ChatType       models.ChatType `json:"chat_type"`
	ConversationID string          `json:"conversation_id"`
	Sender         Sender          `json:"sender"`
	Timestamp      time.Time       `json:"timestamp,omitempty"`
	Locale         models.Locale   `json:"locale,omitempty"`
}

// Validate checks the fields the engine relies on.
func (e Event) Validate() error {
	var errs []string
	if !e.ChatType.Valid() {
		errs = append(errs, fmt.Sprintf("chat_type %q is not supported", e.ChatType))
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		errs = append(errs, "conversation_id is required")
	}
	if e.Sender != SenderUser && e.Sender != SenderAdmin {
		errs = append(errs, fmt.Sprintf("sender %q must be USER or ADMIN", e.Sender))
	}
	if e.Locale != "" && !e.Locale.Valid() {
		errs = append(errs, fmt.Sprintf("locale %q is not supported", e.Locale))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(errs, "; "))
	}
	return nil
}
