package memory

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// lockSet serializes operations on the same record ID without a global lock.
// IDs hash onto a fixed set of stripes; unrelated IDs rarely contend.
type lockSet struct {
	stripes [lockStripes]sync.RWMutex
}

func (l *lockSet) forID(id string) *sync.RWMutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &l.stripes[h.Sum32()%lockStripes]
}

// lock takes the write lock for id and returns its release.
func (l *lockSet) lock(id string) func() {
	mu := l.forID(id)
	mu.Lock()
	return mu.Unlock
}

// rlock takes the read lock for id and returns its release.
func (l *lockSet) rlock(id string) func() {
	mu := l.forID(id)
	mu.RLock()
	return mu.RUnlock
}
