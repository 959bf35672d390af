// Package partition maps routing keys onto a fixed number of partitions and
// partitions onto workers.
package partition

import "github.com/spaolacci/murmur3"

// Of returns the partition in [0, n) for key. The mapping is stable across
// processes and releases: murmur3 (x86, 32 bit, seed 0) of the key, mod n.
func Of(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

// Owned lists the partitions worker index of workers consumes: every p in
// [0, n) with p mod workers == index. Each partition has exactly one owner,
// so every key is aggregated by a single worker.
func Owned(index, workers, n int) []int {
	if workers <= 0 || index < 0 || index >= workers {
		return nil
	}
	var out []int
	for p := index; p < n; p += workers {
		out = append(out, p)
	}
	return out
}

// Owner returns the worker index that owns partition p.
func Owner(p, workers int) int {
	if workers <= 1 {
		return 0
	}
	return p % workers
}
