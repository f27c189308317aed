package processor

import (
	"sync"
	"time"

	"github.com/lduynkerke/FundingRateLogger/logger"
	"github.com/lduynkerke/FundingRateLogger/models"
)

// SnapshotCache stores at most one RankedSnapshot per funding round. Entries
// are immutable once stored; a conflicting Put is rejected rather than
// overwriting, which is what makes repeated ranking attempts across ticks
// idempotent. The cache is owned by the scheduler and shares its lifetime.
type SnapshotCache struct {
	mu          sync.RWMutex
	entries     map[models.EventKey]models.RankedSnapshot
	captureLead time.Duration
	log         *logger.Log
}

// NewSnapshotCache creates an empty cache. captureLead is used by Evict to
// decide when a round's capture window has fully elapsed.
func NewSnapshotCache(captureLead time.Duration) *SnapshotCache {
	return &SnapshotCache{
		entries:     make(map[models.EventKey]models.RankedSnapshot),
		captureLead: captureLead,
		log:         logger.GetLogger(),
	}
}

// Put stores a snapshot for its round. If the round was already ranked the
// existing entry is kept and ErrSnapshotExists is returned; callers treat
// this as benign.
func (c *SnapshotCache) Put(snapshot models.RankedSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[snapshot.Key]; exists {
		c.log.WithComponent("snapshot_cache").WithFields(logger.Fields{
			"event_key": string(snapshot.Key),
		}).Warn("snapshot already cached for round, keeping existing entry")
		return models.ErrSnapshotExists
	}

	c.entries[snapshot.Key] = snapshot
	return nil
}

// Has reports whether a round was already ranked.
func (c *SnapshotCache) Has(key models.EventKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns the snapshot for a round, if present.
func (c *SnapshotCache) Get(key models.EventKey) (models.RankedSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[key]
	return s, ok
}

// Len returns the number of cached rounds.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Evict removes snapshots whose capture window had fully elapsed before the
// given time, bounding cache growth. Rounds still inside their capture
// window are left untouched. It returns the number of evicted entries.
func (c *SnapshotCache) Evict(olderThan time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, snapshot := range c.entries {
		if snapshot.FundingTime.Add(c.captureLead).Before(olderThan) {
			delete(c.entries, key)
			evicted++
		}
	}

	if evicted > 0 {
		c.log.WithComponent("snapshot_cache").WithFields(logger.Fields{
			"evicted":   evicted,
			"remaining": len(c.entries),
		}).Debug("evicted expired snapshots")
	}
	return evicted
}
