package hash

import "github.com/cespare/xxhash/v2"

// ID computes the xxHash64 of the given string.
func ID(data string) uint64 {
	return xxhash.Sum64String(data)
}

// Partition maps a name onto one of n worker partitions.
// It returns 0 when n is not positive.
func Partition(name string, n int) int {
	if n <= 1 {
		return 0
	}

	return int(ID(name) % uint64(n)) //nolint: gosec
}
