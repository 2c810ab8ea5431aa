package ledger

import (
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"
)

const defaultLockStripes = 256

// lockStripes serializes read-modify-write sequences per account inside one
// process. Accounts hash onto a fixed set of mutexes; two accounts may share
// a stripe, which only costs parallelism.
type lockStripes struct {
	stripes []sync.Mutex
}

func newLockStripes(n int) *lockStripes {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &lockStripes{stripes: make([]sync.Mutex, n)}
}

func (l *lockStripes) index(key string) int {
	return int(xxhash.ChecksumString64(key) % uint64(len(l.stripes)))
}

// lock acquires the stripes for every key in ascending stripe order, so
// two operations over the same pair of accounts can never deadlock.
// The returned func releases them.
func (l *lockStripes) lock(keys ...string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := l.index(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}
