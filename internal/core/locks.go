package core

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// stripedLocks serializes work per participant with a fixed pool of mutexes.
// Two participants may share a stripe; that only costs parallelism.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n < 1 {
		n = 1
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLocks) For(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}
