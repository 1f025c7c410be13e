// Package procscan detects newly started and newly exited user processes,
// deduplicated by executable path and cached across scans so only the
// delta since the previous pass is reported.
package procscan

import "sync"

// Scanner reports the set of user-process paths that appeared or
// disappeared since the previous call. Implementations are platform
// specific; use New to get the one for the running OS.
type Scanner interface {
	Diff() (added, removed []string, err error)
}

type procEntry struct {
	path  string
	alive bool
}

// cache tracks pid -> (resolved path, seen-this-pass) across scans. A pid
// absent from one pass's observed set is reported as removed and evicted;
// a pid already cached is skipped without re-resolving its path, matching
// the cheap-fast-path behavior of the process scanner this is grounded on.
type cache struct {
	mu    sync.Mutex
	procs map[int32]*procEntry
}

func newCache() *cache {
	return &cache{procs: make(map[int32]*procEntry)}
}

// update folds one scan pass into the cache. resolve is called only for
// pids not already cached; returning ok=false still caches the pid (with an
// empty path) so it is skipped on every future pass without recomputation,
// and never contributes to added or removed.
func (c *cache) update(pids []int32, resolve func(pid int32) (path string, ok bool)) (added, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addedSeen := make(map[string]bool)
	for _, pid := range pids {
		if e, ok := c.procs[pid]; ok {
			e.alive = true
			continue
		}
		e := &procEntry{alive: true}
		c.procs[pid] = e

		path, ok := resolve(pid)
		if !ok {
			continue
		}
		e.path = path
		if !addedSeen[path] {
			addedSeen[path] = true
			added = append(added, path)
		}
	}

	removedSeen := make(map[string]bool)
	for pid, e := range c.procs {
		if e.alive {
			e.alive = false
			continue
		}
		if e.path != "" && !removedSeen[e.path] {
			removedSeen[e.path] = true
			removed = append(removed, e.path)
		}
		delete(c.procs, pid)
	}

	return added, removed
}
