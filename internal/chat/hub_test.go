package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

func TestPostRequiresMembership(t *testing.T) {
	h := NewHub(storage.NewMemoryChatStore(), nil)
	_, err := h.Post(context.Background(), "ride1", "stranger", "hi")
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestJoinPostLeave(t *testing.T) {
	store := storage.NewMemoryChatStore()
	h := NewHub(store, nil)
	ctx := context.Background()

	if err := h.Join(ctx, "ride1", "p1"); err != nil {
		t.Fatal(err)
	}
	if !h.IsParticipant("ride1", "p1") {
		t.Fatal("join did not register membership")
	}

	msg, err := h.Post(ctx, "ride1", "p1", "see you at the corner")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != models.MessageText {
		t.Fatalf("expected text message, got %s", msg.Type)
	}

	if err := h.Leave(ctx, "ride1", "p1"); err != nil {
		t.Fatal(err)
	}
	if h.IsParticipant("ride1", "p1") {
		t.Fatal("leave did not remove membership")
	}

	// join + text + leave are all persisted
	hist, _ := store.History(ctx, "ride1", 0)
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist))
	}
	if hist[0].Type != models.MessageSystem || hist[0].Content != "user_joined" {
		t.Fatalf("expected join system message first, got %+v", hist[0])
	}
	if hist[2].Content != "user_left" {
		t.Fatalf("expected leave system message last, got %+v", hist[2])
	}
}

func TestPostRejectsOversizedMessage(t *testing.T) {
	h := NewHub(storage.NewMemoryChatStore(), nil)
	h.MaxMsgLen = 10
	ctx := context.Background()
	_ = h.Join(ctx, "ride1", "p1")
	_, err := h.Post(ctx, "ride1", "p1", strings.Repeat("x", 11))
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
}

func TestPostRejectsEmptyMessage(t *testing.T) {
	h := NewHub(storage.NewMemoryChatStore(), nil)
	ctx := context.Background()
	_ = h.Join(ctx, "ride1", "p1")
	if _, err := h.Post(ctx, "ride1", "p1", ""); err == nil {
		t.Fatal("expected rejection of empty content")
	}
}
