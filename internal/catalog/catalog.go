// Package catalog is the read-only view of authored scripts the engine
// consults when it needs to emit a step.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
)

// ErrNotFound is returned when no active message exists for a step.
var ErrNotFound = store.ErrNotFound

// Catalog reads scripted messages. It holds no cache, so authoring changes
// are visible on the next call.
type Catalog struct {
	scripts store.ScriptStore
}

// New returns a Catalog over scripts.
func New(scripts store.ScriptStore) *Catalog {
	return &Catalog{scripts: scripts}
}

// GetStep returns the active message for step. When several active messages
// share a step, the lowest display order wins.
func (c *Catalog) GetStep(ctx context.Context, chatType models.ChatType, step int) (models.ScriptedMessage, error) {
	if !chatType.Valid() {
		return models.ScriptedMessage{}, fmt.Errorf("catalog: invalid chat type %q", chatType)
	}
	if step < 1 {
		return models.ScriptedMessage{}, fmt.Errorf("catalog: step %d: %w", step, ErrNotFound)
	}
	msg, err := c.scripts.ScriptStep(ctx, chatType, step)
	if err != nil {
		return models.ScriptedMessage{}, fmt.Errorf("catalog: get %s step %d: %w", chatType, step, err)
	}
	return msg, nil
}

// ListActive returns the active script ordered by display order, then step.
func (c *Catalog) ListActive(ctx context.Context, chatType models.ChatType) ([]models.ScriptedMessage, error) {
	if !chatType.Valid() {
		return nil, fmt.Errorf("catalog: invalid chat type %q", chatType)
	}
	msgs, err := c.scripts.ActiveScripts(ctx, chatType)
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", chatType, err)
	}
	return msgs, nil
}

// NextStep returns the lowest active step number above after, or 0 when
// the script has nothing further. Gaps in the numbering are skipped.
func (c *Catalog) NextStep(ctx context.Context, chatType models.ChatType, after int) (int, error) {
	msgs, err := c.ListActive(ctx, chatType)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, m := range msgs {
		if m.StepNumber > after && (next == 0 || m.StepNumber < next) {
			next = m.StepNumber
		}
	}
	return next, nil
}

// IsNotFound reports whether err means the step has no active message.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
