package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// ErrInvalidPrice is returned for non-positive or missing prices. Oracle
// failures are hard failures: liquidity math never defaults a price.
var ErrInvalidPrice = errors.New("invalid price")

// PriceFeed returns the WAD-scaled price of one whole unit of an asset in
// the common base currency.
type PriceFeed interface {
	Price() (*uint256.Int, error)
}

// StaticFeed serves a fixed price. Used for bootstrap and tests.
type StaticFeed struct {
	mu    sync.RWMutex
	price *uint256.Int
}

func NewStaticFeed(price *uint256.Int) *StaticFeed {
	return &StaticFeed{price: price.Clone()}
}

func (f *StaticFeed) Price() (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil || f.price.IsZero() {
		return nil, ErrInvalidPrice
	}
	return f.price.Clone(), nil
}

// Set replaces the served price. A zero price poisons the feed.
func (f *StaticFeed) Set(price *uint256.Int) {
	f.mu.Lock()
	f.price = price.Clone()
	f.mu.Unlock()
}

// CachedFeed holds the latest price pushed from an external stream, with a
// version so stale updates can be dropped. It fails until the first update.
type CachedFeed struct {
	mu      sync.RWMutex
	asset   string
	price   *uint256.Int
	version int64
}

func NewCachedFeed(asset string) *CachedFeed {
	return &CachedFeed{asset: asset}
}

func (f *CachedFeed) Price() (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil || f.price.IsZero() {
		return nil, fmt.Errorf("%w: no price for %s", ErrInvalidPrice, f.asset)
	}
	return f.price.Clone(), nil
}

// Update stores a new price unless an equal-or-newer version is cached.
func (f *CachedFeed) Update(price *uint256.Int, version int64) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("%w: rejected zero price for %s", ErrInvalidPrice, f.asset)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if version <= f.version {
		return nil
	}
	f.price = price.Clone()
	f.version = version
	return nil
}
