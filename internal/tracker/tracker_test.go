package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/store/memstore"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

var key = store.ConversationKey{ChatType: models.ChatTypeComplaint, ConversationID: "t-9"}

func TestLoadOrCreate_ConcurrentFirstTouch(t *testing.T) {
	ms := memstore.New()
	tr := New(ms, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan uint, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := tr.LoadOrCreate(ctx, key)
			if err != nil {
				t.Errorf("LoadOrCreate: %v", err)
				return
			}
			ids <- st.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("distinct ids = %d, want 1", len(seen))
	}
}

func TestLoadOrCreate_InvalidKey(t *testing.T) {
	tr := New(memstore.New(), nil)
	ctx := context.Background()

	if _, err := tr.LoadOrCreate(ctx, store.ConversationKey{ChatType: "FAX", ConversationID: "1"}); err == nil {
		t.Error("expected error for invalid chat type")
	}
	if _, err := tr.LoadOrCreate(ctx, store.ConversationKey{ChatType: models.ChatTypeLive}); err == nil {
		t.Error("expected error for empty conversation id")
	}
}

func TestApplyTransition(t *testing.T) {
	tr := New(memstore.New(), nil)
	ctx := context.Background()

	st, _ := tr.LoadOrCreate(ctx, key)
	sent := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	next, err := tr.ApplyTransition(ctx, key, st.Version, trigger.Snapshot{Step: 1, Active: true}, Stamp{MessageKey: "complaint_intro", BotAt: sent})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if next.CurrentStep != 1 || !next.IsActive || next.LastMessageKey != "complaint_intro" {
		t.Errorf("state = %+v", next)
	}
	if next.LastBotMessageAt == nil || !next.LastBotMessageAt.Equal(sent) {
		t.Errorf("LastBotMessageAt = %v", next.LastBotMessageAt)
	}

	_, err = tr.ApplyTransition(ctx, key, st.Version, trigger.Snapshot{Step: 2, Active: true}, Stamp{})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale transition err = %v, want ErrConflict", err)
	}
}

func TestIncrementDormant_Lossless(t *testing.T) {
	tr := New(memstore.New(), nil)
	ctx := context.Background()

	st, _ := tr.LoadOrCreate(ctx, key)
	now := time.Now()
	if _, err := tr.ApplyTransition(ctx, key, st.Version, trigger.Snapshot{Step: 2, TakenOver: true}, Stamp{AdminAt: now}); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.IncrementDormant(ctx, key); err != nil {
				t.Errorf("IncrementDormant: %v", err)
			}
		}()
	}
	wg.Wait()

	st, _ = tr.LoadOrCreate(ctx, key)
	if st.UserMessageCount != n {
		t.Errorf("UserMessageCount = %d, want %d", st.UserMessageCount, n)
	}
	if trigger.SnapshotOf(st).Phase() != trigger.PhaseDormant {
		t.Errorf("phase = %s, want dormant", trigger.SnapshotOf(st).Phase())
	}
}

func TestTeardown(t *testing.T) {
	ms := memstore.New()
	tr := New(ms, nil)
	ctx := context.Background()

	st, _ := tr.LoadOrCreate(ctx, key)
	tr.ApplyTransition(ctx, key, st.Version, trigger.Snapshot{Step: 1, Active: true}, Stamp{MessageKey: "m"})

	if err := tr.Teardown(ctx, key); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	st, _ = tr.LoadOrCreate(ctx, key)
	if st.CurrentStep != 0 || st.IsActive || st.Version != 0 {
		t.Errorf("state after teardown = %+v, want fresh", st)
	}
}
