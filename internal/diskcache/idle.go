package diskcache

import "time"

// idleLoop runs an idle pass every opt.IdleTime. A pass that finds at
// least opt.IdleTime of no fd activity walks the open-entry LRU from the
// tail, collects up to opt.MaxObjectsIdle entries whose metadata is
// dirty, and logs each one at debug level. The pass writes nothing to
// disk: it neither rewrites metadata nor writes out body bytes, and the
// entries stay dirty. Chunk writeout is driven by internal/cacheobj's
// discardObjects via the Store's writeout hook.
func (c *Cache) idleLoop() {
	ticker := time.NewTicker(c.opt.IdleTime)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopIdle:
			return
		case <-ticker.C:
			c.runIdlePass()
		}
	}
}

func (c *Cache) runIdlePass() {
	c.mu.Lock()
	idleSince := time.Since(c.lastActivity)
	if idleSince < c.opt.IdleTime {
		c.mu.Unlock()
		return
	}

	var dirty []*Entry
	for elem := c.lru.Back(); elem != nil && len(dirty) < c.opt.MaxObjectsIdle; elem = elem.Prev() {
		e := elem.Value.(*lruValue).entry
		if e.metaDirty {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()

	for _, e := range dirty {
		c.log.Debugf("diskcache idle writeout: flushing metadata for %s", e.StoreURL)
	}
}
