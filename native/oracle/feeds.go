package oracle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lendingledger/native/lending"
)

var (
	// ErrInvalidQuote is returned when a published price is not positive.
	ErrInvalidQuote = errors.New("oracle: invalid quote")
	// ErrOutOfOrder is returned when an update is older than the stored one.
	ErrOutOfOrder = errors.New("oracle: update older than current quote")
)

// FeedHealth captures metadata about the latest observation of an asset.
type FeedHealth struct {
	Asset        lending.Address
	Quote        lending.PriceQuote
	LastObserved time.Time
	Updates      int
	// Stale is set by Health when the quote is older than the store's
	// maximum age.
	Stale bool
}

// Store keeps the latest Pyth style quote per asset and serves it to the
// lending engine. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	feeds  map[lending.Address]*FeedHealth
	clock  func() time.Time
	maxAge time.Duration
}

// NewStore constructs an empty feed store. maxAge only marks feeds stale in
// Health; freshness for lending decisions is enforced by the engine. A
// non-positive maxAge disables the flag.
func NewStore(maxAge time.Duration) *Store {
	return &Store{
		feeds:  make(map[lending.Address]*FeedHealth),
		clock:  time.Now,
		maxAge: maxAge,
	}
}

// SetClock overrides the wall clock used to stamp observations.
func (s *Store) SetClock(clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// Publish records a quote for asset. Updates carrying an older publish time
// than the stored quote are rejected; equal times overwrite.
func (s *Store) Publish(asset lending.Address, quote lending.PriceQuote) error {
	if asset.IsZero() {
		return fmt.Errorf("%w: asset required", ErrInvalidQuote)
	}
	if quote.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidQuote)
	}
	if quote.PublishTime <= 0 {
		return fmt.Errorf("%w: publish time required", ErrInvalidQuote)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[asset]
	if ok && quote.PublishTime < feed.Quote.PublishTime {
		return fmt.Errorf("%w: %s at %d, have %d", ErrOutOfOrder, asset, quote.PublishTime, feed.Quote.PublishTime)
	}
	if !ok {
		feed = &FeedHealth{Asset: asset}
		s.feeds[asset] = feed
	}
	feed.Quote = quote
	feed.LastObserved = s.clock()
	feed.Updates++
	return nil
}

// GetPrice implements lending.Oracle.
func (s *Store) GetPrice(asset lending.Address) (lending.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[asset]
	if !ok {
		return lending.PriceQuote{}, lending.ErrPriceNotFound
	}
	return feed.Quote, nil
}

// Health lists every feed ordered by asset and flags those whose quote is
// older than the configured maximum age.
func (s *Store) Health() []FeedHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock().Unix()
	out := make([]FeedHealth, 0, len(s.feeds))
	for _, feed := range s.feeds {
		health := *feed
		health.Stale = s.maxAge > 0 && time.Duration(now-feed.Quote.PublishTime)*time.Second > s.maxAge
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.Compare(out[j].Asset) < 0 })
	return out
}
