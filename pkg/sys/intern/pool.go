// Package intern deduplicates tag maps. A fleet carries a handful of
// distinct tag sets across thousands of nodes and revisions, so holders of
// the same set share one canonical instance instead of one copy each.
package intern

import (
	"sort"
	"strings"
	"sync"
)

type pool struct {
	mu    sync.RWMutex
	store map[string]map[string]string
}

var globalPool = &pool{store: make(map[string]map[string]string)}

// Tags returns the canonical instance holding m's entries. The result is
// shared: callers must never mutate it.
func Tags(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	k := key(m)

	globalPool.mu.RLock()
	canon, ok := globalPool.store[k]
	globalPool.mu.RUnlock()
	if ok {
		return canon
	}

	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()

	// Double-check
	if canon, ok := globalPool.store[k]; ok {
		return canon
	}

	canon = make(map[string]string, len(m))
	for mk, mv := range m {
		canon[mk] = mv
	}
	globalPool.store[k] = canon
	return canon
}

// Len reports the number of distinct sets held.
func Len() int {
	globalPool.mu.RLock()
	defer globalPool.mu.RUnlock()
	return len(globalPool.store)
}

// Reset clears the global pool.
func Reset() {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	globalPool.store = make(map[string]map[string]string)
}

// key flattens the map in sorted order, NUL-delimited so neighbouring
// entries cannot run together.
func key(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(m[k])
		b.WriteByte(0)
	}
	return b.String()
}
