// Package ports implements a bounded TCP port allocator over a contiguous
// range, used to place per-session code-server instances.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoPorts = errors.New("no free ports")

// Pool hands out ports from [base, base+size).
type Pool struct {
	base int
	size int

	mu        sync.Mutex
	allocated map[int]bool
}

func NewPool(base, size int) (*Pool, error) {
	if base <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid port range: base=%d size=%d", base, size)
	}
	return &Pool{
		base:      base,
		size:      size,
		allocated: make(map[int]bool),
	}, nil
}

// Allocate returns the lowest free port in the range.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.base; port < p.base+p.size; port++ {
		if !p.allocated[port] {
			p.allocated[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

// Release frees a port. Releasing a free or out-of-range port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// InUse reports the number of currently allocated ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Contains reports whether port lies in the pool's range.
func (p *Pool) Contains(port int) bool {
	return port >= p.base && port < p.base+p.size
}
