package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/berstock227/demoE5/pkg/store"
)

func TestSetGetWithExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := New(clk)

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("expected %q, got %q", "v", got)
	}

	clk.Add(time.Minute + time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := New(clock.NewMock())
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetOperations(t *testing.T) {
	ctx := context.Background()
	s := New(clock.NewMock())

	s.SetAdd(ctx, "set", "a")
	s.SetAdd(ctx, "set", "b")
	s.SetAdd(ctx, "set", "a") // duplicate is a no-op

	members, err := s.SetMembers(ctx, "set")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}

	s.SetRemove(ctx, "set", "a")
	members, _ = s.SetMembers(ctx, "set")
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("expected [b], got %v", members)
	}
}

func TestSetExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := New(clk)

	s.SetAdd(ctx, "set", "a")
	if err := s.Expire(ctx, "set", time.Minute); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	members, _ := s.SetMembers(ctx, "set")
	if len(members) != 1 {
		t.Fatalf("expected 1 member before expiry, got %d", len(members))
	}

	clk.Add(time.Minute + time.Second)
	members, _ = s.SetMembers(ctx, "set")
	if len(members) != 0 {
		t.Errorf("expected empty set after expiry, got %v", members)
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	s := New(clock.NewMock())

	var received [][]byte
	sub, err := s.Subscribe("ch", func(channel string, payload []byte) {
		received = append(received, payload)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	s.Publish(ctx, "ch", []byte("one"))
	s.Publish(ctx, "other", []byte("ignored"))
	if len(received) != 1 || string(received[0]) != "one" {
		t.Fatalf("expected one delivery, got %v", received)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s.Publish(ctx, "ch", []byte("two"))
	if len(received) != 1 {
		t.Errorf("expected no delivery after close, got %d", len(received))
	}
}
