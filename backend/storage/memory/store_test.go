package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/synapse-relay/backend/model"
)

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()

	var prev model.EventID
	for i := 0; i < 5; i++ {
		ev := &model.ChatEvent{Kind: model.KindText, Content: "x", Author: "a"}
		if err := ms.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.ID <= prev {
			t.Fatalf("id %d is not greater than %d", ev.ID, prev)
		}
		if ev.CreatedAt.IsZero() {
			t.Fatalf("expected created_at to be assigned")
		}
		prev = ev.ID
	}
}

func TestTimestampsNeverDecrease(t *testing.T) {
	ms := NewMemStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	ms.now = func() time.Time {
		ts := clock[0]
		clock = clock[1:]
		return ts
	}

	var got []time.Time
	for i := 0; i < 3; i++ {
		ev := &model.ChatEvent{Kind: model.KindText, Content: "x"}
		if err := ms.Append(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
		got = append(got, ev.CreatedAt)
	}
	if !got[1].Equal(base) {
		t.Errorf("clock step back must be clamped, got %v", got[1])
	}
	if !got[2].After(got[1]) {
		t.Errorf("expected %v after %v", got[2], got[1])
	}
}

func TestFindAfter(t *testing.T) {
	ms := NewMemStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := ms.Append(ctx, &model.ChatEvent{Kind: model.KindText, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := ms.FindAfter(ctx, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].ID != 1 || events[2].ID != 3 {
		t.Fatalf("unexpected first page: %+v", events)
	}

	events, err = ms.FindAfter(ctx, 7, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].ID != 8 || events[2].ID != 10 {
		t.Fatalf("unexpected suffix: %+v", events)
	}

	events, err = ms.FindAfter(ctx, 100, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty result, got %d events", len(events))
	}
}

func TestClosedStore(t *testing.T) {
	ms := NewMemStore()
	_ = ms.Close()
	if err := ms.Append(context.Background(), &model.ChatEvent{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := ms.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
