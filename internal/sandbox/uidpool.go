package sandbox

import (
	"sync"
	"time"
)

const (
	MinUID = 10000
	MaxUID = 60000

	// probeBudget bounds the linear probe before giving up.
	probeBudget = 2048
)

// uidPool tracks live sandbox UIDs. Allocation starts at a time-derived
// offset and probes linearly, so successive managers spread across the
// range instead of piling up at MinUID.
type uidPool struct {
	mu        sync.Mutex
	allocated map[int]bool
	now       func() time.Time
}

func newUIDPool() *uidPool {
	return &uidPool{
		allocated: make(map[int]bool),
		now:       time.Now,
	}
}

func (p *uidPool) allocate() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := MaxUID - MinUID
	start := MinUID + int(p.now().Unix())%span
	for i := 0; i < probeBudget; i++ {
		uid := MinUID + (start-MinUID+i)%span
		if !p.allocated[uid] {
			p.allocated[uid] = true
			return uid, true
		}
	}
	return 0, false
}

// reserve marks a specific UID as live, used when reclaiming users found
// on disk after a restart.
func (p *uidPool) reserve(uid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated[uid] = true
}

func (p *uidPool) release(uid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, uid)
}

func (p *uidPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
