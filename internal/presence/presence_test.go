package presence

import (
	"context"
	"errors"
	"testing"
)

func TestSetStatusPersistsAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	var gotUser, gotStatus string
	tracker := NewTracker(store, func(userID, status string) {
		gotUser, gotStatus = userID, status
	})

	ctx := context.Background()
	if err := tracker.SetStatus(ctx, "alice", StatusAway); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if gotUser != "alice" || gotStatus != StatusAway {
		t.Errorf("publish got (%s, %s)", gotUser, gotStatus)
	}

	rec, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != StatusAway {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSetStatusRejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	published := false
	tracker := NewTracker(store, func(string, string) { published = true })

	err := tracker.SetStatus(context.Background(), "alice", "sleepy")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if published {
		t.Fatal("invalid status must not be published")
	}
	if rec, _ := store.Get(context.Background(), "alice"); rec != nil {
		t.Fatal("invalid status must not be persisted")
	}
}

func TestStatusDefaultsToOffline(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), nil)

	if got := tracker.Status(context.Background(), "nobody"); got != StatusOffline {
		t.Errorf("expected offline, got %s", got)
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{StatusOnline, StatusAway, StatusBusy, StatusOffline} {
		if !ValidStatus(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if ValidStatus("") || ValidStatus("ONLINE") || ValidStatus("idle") {
		t.Error("unexpected status accepted")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "alice", StatusOnline); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := store.Get(ctx, "alice"); rec != nil {
		t.Fatal("expected record gone after delete")
	}
}
