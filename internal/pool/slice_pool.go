package pool

import "sync"

// Int slices for the per-element scratch of an index merge: sorted rank
// lists and worker partitions.
var intSlicePool = sync.Pool{
	New: func() any { return &[]int{} },
}

// GetIntSlice retrieves an int slice of length size from the pool. The
// contents are not cleared. The caller must call the returned cleanup
// function, typically with defer, once the slice is no longer used.
//
// Example:
//
//	ranks, release := pool.GetIntSlice(len(perRank))
//	defer release()
func GetIntSlice(size int) ([]int, func()) {
	ptr, _ := intSlicePool.Get().(*[]int)
	if cap(*ptr) < size {
		*ptr = make([]int, size)
	} else {
		*ptr = (*ptr)[:size]
	}

	return *ptr, func() { intSlicePool.Put(ptr) }
}
