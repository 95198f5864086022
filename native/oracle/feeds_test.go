package oracle

import (
	"errors"
	"testing"
	"time"

	"lendingledger/native/lending"
)

func asset(tag byte) lending.Address {
	var addr lending.Address
	addr[0] = tag
	return addr
}

func TestPublishAndGet(t *testing.T) {
	store := NewStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	if _, err := store.GetPrice(asset(1)); !errors.Is(err, lending.ErrPriceNotFound) {
		t.Fatalf("expected ErrPriceNotFound, got %v", err)
	}
	quote := lending.PriceQuote{Price: 17_000_000_000, Conf: 1_000_000, Expo: -8, PublishTime: now.Unix()}
	if err := store.Publish(asset(1), quote); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := store.GetPrice(asset(1))
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if got != quote {
		t.Fatalf("unexpected quote %+v", got)
	}

	older := quote
	older.PublishTime--
	if err := store.Publish(asset(1), older); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := store.Publish(asset(1), lending.PriceQuote{Price: 0, PublishTime: now.Unix()}); !errors.Is(err, ErrInvalidQuote) {
		t.Fatalf("expected ErrInvalidQuote, got %v", err)
	}
}

func TestHealthAndStale(t *testing.T) {
	store := NewStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	if err := store.Publish(asset(2), lending.PriceQuote{Price: 1, PublishTime: now.Unix() - 120}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.Publish(asset(1), lending.PriceQuote{Price: 1, PublishTime: now.Unix()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	health := store.Health()
	if len(health) != 2 || health[0].Asset != asset(1) {
		t.Fatalf("unexpected health %+v", health)
	}
	if health[0].Stale || !health[1].Stale {
		t.Fatalf("expected only asset 2 to be stale: %+v", health)
	}

	unbounded := NewStore(0)
	unbounded.SetClock(func() time.Time { return now })
	if err := unbounded.Publish(asset(3), lending.PriceQuote{Price: 1, PublishTime: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if unbounded.Health()[0].Stale {
		t.Fatal("a store without a maximum age must never report stale feeds")
	}
}
