package util

import "runtime"

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// NextPow2 returns the smallest power of two >= x (1 for x <= 1, clamped to
// 1<<63 on overflow).
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// ReasonableShardCount picks a practical default shard count based on CPU
// parallelism: nextPow2(2*GOMAXPROCS), clamped to [1..256]. Reduces lock
// contention in the in-memory store without bloating per-shard overhead.
func ReasonableShardCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p * 2)))
	if n > 256 {
		n = 256
	}
	return n
}

// ShardIndex maps a 64-bit hash to a shard index. Uses the fast mask path
// when the shard count is a power of two; falls back to modulo otherwise.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
