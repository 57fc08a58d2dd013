package kernel

import (
	"context"
	"sync"
)

// claimSet is the orchestration lock. A run claims every module it may
// touch; runs with overlapping claims serialize, disjoint runs proceed.
type claimSet struct {
	mu      sync.Mutex
	held    map[string]struct{}
	changed chan struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{
		held:    make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// acquire blocks until none of names is claimed, then claims all of them atomically.
func (c *claimSet) acquire(ctx context.Context, names []string) error {
	for {
		c.mu.Lock()
		if !c.overlapsLocked(names) {
			for _, name := range names {
				c.held[name] = struct{}{}
			}
			c.mu.Unlock()
			return nil
		}
		wait := c.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release drops the claims and wakes every waiting run.
func (c *claimSet) release(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		delete(c.held, name)
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *claimSet) overlapsLocked(names []string) bool {
	for _, name := range names {
		if _, ok := c.held[name]; ok {
			return true
		}
	}
	return false
}
