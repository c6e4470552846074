package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"dermascan/pkg/domain"
)

var (
	// ErrNotOwner is returned when refreshing for an identity the cache is not bound to.
	ErrNotOwner = errors.New("history cache belongs to another identity")
	// ErrStale is returned when the identity changed while a fetch was in flight.
	ErrStale = errors.New("history result is stale")
)

// Fetcher loads an identity's history from the server.
type Fetcher interface {
	FetchHistory(ctx context.Context, identityID string) ([]domain.HistoryEntry, error)
}

// View is a point-in-time copy of the cache.
type View struct {
	Owner   string
	Entries []domain.HistoryEntry
	Loaded  bool
	Loading bool
	Err     error
}

// Cache holds the current identity's analysis history. It never holds
// entries for an identity other than its owner.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu         sync.RWMutex
	owner      string
	generation uint64
	entries    []domain.HistoryEntry
	loaded     bool
	inflight   int
	err        error
}

func New(fetcher Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{fetcher: fetcher, logger: logger}
}

// Switch clears the cache and binds it to identityID ("" unbinds).
func (c *Cache) Switch(identityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = identityID
	c.generation++
	c.entries = nil
	c.loaded = false
	c.inflight = 0
	c.err = nil
}

// Refresh replaces the contents with the server's list for identityID.
func (c *Cache) Refresh(ctx context.Context, identityID string) error {
	c.mu.Lock()
	if identityID == "" || identityID != c.owner {
		c.mu.Unlock()
		return ErrNotOwner
	}
	gen := c.generation
	c.inflight++
	c.mu.Unlock()

	entries, err := c.fetcher.FetchHistory(ctx, identityID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || identityID != c.owner {
		c.logger.Debug("history_result_discarded", "user_id", identityID)
		return ErrStale
	}
	c.inflight--
	if err != nil {
		c.entries = nil
		c.loaded = false
		c.err = err
		c.logger.Warn("history_refresh_failed", "user_id", identityID, "err", err)
		return err
	}
	c.entries = append([]domain.HistoryEntry(nil), entries...)
	c.loaded = true
	c.err = nil
	return nil
}

func (c *Cache) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		Owner:   c.owner,
		Entries: append([]domain.HistoryEntry(nil), c.entries...),
		Loaded:  c.loaded,
		Loading: c.inflight > 0,
		Err:     c.err,
	}
}

// Entries returns a copy of the cached entries in server order.
func (c *Cache) Entries() []domain.HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.HistoryEntry(nil), c.entries...)
}

func (c *Cache) Stats() domain.HistoryStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.StatsFor(c.entries)
}
