package session

import (
	"context"
	"testing"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
)

func TestAllocateRejectsZeroID(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	_, err := r.Allocate(context.Background(), 0, "aa")
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.InvalidSession {
		t.Fatalf("expected InvalidSession, got %v", err)
	}
}

func TestAllocateRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	if _, err := r.Allocate(ctx, 1, "aa"); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	_, err := r.Allocate(ctx, 1, "bb")
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.InvalidSession {
		t.Fatalf("expected InvalidSession on reuse, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	_, err := r.Get(context.Background(), 99)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.InvalidSession {
		t.Fatalf("expected InvalidSession, got %v", err)
	}
}

func TestGetClosedSession(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	if _, err := r.Allocate(ctx, 1, "aa"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := r.Close(ctx, 1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := r.Get(ctx, 1)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.SessionClosed {
		t.Fatalf("expected SessionClosed, got %v", err)
	}
}

func TestEvictRemovesSlotEntirely(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	if _, err := r.Allocate(ctx, 1, "aa"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	r.Evict(ctx, 1)
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
	_, err := r.Get(ctx, 1)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.InvalidSession {
		t.Fatalf("expected InvalidSession after evict, got %v", err)
	}
}

func TestMarkDataSeenRejectsReuse(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	s, err := r.Allocate(context.Background(), 1, "aa")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := s.MarkDataSeen(0); err != nil {
		t.Fatalf("first MarkDataSeen: %v", err)
	}
	err = s.MarkDataSeen(0)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.ProtocolOrder {
		t.Fatalf("expected ProtocolOrder, got %v", err)
	}
}

func TestResetStreamRoundClearsDedup(t *testing.T) {
	s := newSession(1, "aa")
	if err := s.MarkStreamSeen(0); err != nil {
		t.Fatalf("MarkStreamSeen: %v", err)
	}
	s.ResetStreamRound()
	if err := s.MarkStreamSeen(0); err != nil {
		t.Fatalf("expected index reusable after reset, got %v", err)
	}
}

func TestCountReflectsAllocationsAndEvictions(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	ctx := context.Background()
	for _, id := range []uint32{1, 2, 3} {
		if _, err := r.Allocate(ctx, id, "aa"); err != nil {
			t.Fatalf("Allocate(%d): %v", id, err)
		}
	}
	if r.Count() != 3 {
		t.Fatalf("Count = %d, want 3", r.Count())
	}
	r.Evict(ctx, 2)
	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}
}
