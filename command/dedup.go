package command

import (
	"time"

	"github.com/eddielth/nodecore/guard"
)

type dedupEntry struct {
	id   string
	seen time.Time
}

// dedupCache remembers recent cmd_ids in a fixed number of slots.
type dedupCache struct {
	mu    *guard.Mutex
	slots []dedupEntry
	size  int
	ttl   time.Duration
	now   func() time.Time
}

func newDedupCache(size int, ttl time.Duration, lockTimeout time.Duration) *dedupCache {
	return &dedupCache{
		mu:    guard.New(lockTimeout),
		slots: make([]dedupEntry, 0, size),
		size:  size,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Seen reports whether id is still live and records it otherwise. When
// the cache is full, an expired slot is reused or the oldest entry is
// evicted.
func (d *dedupCache) Seen(id string) (bool, error) {
	if err := d.mu.Lock(); err != nil {
		return false, err
	}
	defer d.mu.Unlock()

	now := d.now()
	for i := range d.slots {
		if d.slots[i].id == id {
			if now.Sub(d.slots[i].seen) < d.ttl {
				return true, nil
			}
			d.slots[i].seen = now
			return false, nil
		}
	}

	entry := dedupEntry{id: id, seen: now}
	if len(d.slots) < d.size {
		d.slots = append(d.slots, entry)
		return false, nil
	}

	victim := 0
	for i := range d.slots {
		if now.Sub(d.slots[i].seen) >= d.ttl {
			victim = i
			break
		}
		if d.slots[i].seen.Before(d.slots[victim].seen) {
			victim = i
		}
	}
	d.slots[victim] = entry
	return false, nil
}
