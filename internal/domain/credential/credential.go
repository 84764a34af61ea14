package credential

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound indicates no credentials exist for the restaurant.
var ErrNotFound = errors.New("credentials not found")

// Mode selects the POS endpoint flavour and its signing strategy.
// A restaurant's mode never changes mid-flight; it is read together with the
// credentials at the start of each sync attempt.
type Mode string

const (
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)

// Credentials are the per-restaurant secrets for the external POS. Rows are
// versioned; Get always returns the latest active version.
type Credentials struct {
	RestaurantID  string
	AppKey        string
	AppSecret     string
	AccessToken   string
	WebhookSecret string
	Mode          Mode
	Version       int
}

// Store provides read access to restaurant credentials.
type Store interface {
	Get(ctx context.Context, restaurantID string) (*Credentials, error)
}

// CachedStore wraps a Store with a per-restaurant TTL cache. The sync core
// only reads credentials; rotation is owned elsewhere and surfaces here via
// Invalidate or TTL expiry.
type CachedStore struct {
	inner Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	creds     *Credentials
	expiresAt time.Time
}

// NewCachedStore wraps inner with a TTL cache. A non-positive ttl disables
// caching entirely.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached credentials for restaurantID, falling through to
// the inner store on miss or expiry. Lookup failures are never cached.
func (c *CachedStore) Get(ctx context.Context, restaurantID string) (*Credentials, error) {
	if c.ttl <= 0 {
		return c.inner.Get(ctx, restaurantID)
	}

	c.mu.Lock()
	e, ok := c.entries[restaurantID]
	c.mu.Unlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.creds, nil
	}

	creds, err := c.inner.Get(ctx, restaurantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[restaurantID] = cacheEntry{creds: creds, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return creds, nil
}

// Invalidate drops the cached entry for restaurantID, forcing the next Get
// to hit the inner store. Called by the credential-rotation hook.
func (c *CachedStore) Invalidate(restaurantID string) {
	c.mu.Lock()
	delete(c.entries, restaurantID)
	c.mu.Unlock()
}
