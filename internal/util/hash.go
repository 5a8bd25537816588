// Package util contains internal helpers (hashing, sharding, UTC day math).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "sort"

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// Fnv64a hashes s using 64-bit FNV-1a. Fast, non-cryptographic; used for
// shard selection and for stable dimension hashes in persisted metric keys.
func Fnv64a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

// HashDims folds a dimension map into a single stable FNV-1a hash.
// Pairs are visited in sorted key order so the hash does not depend on map
// iteration order; key and value are separated by 0x1f / 0x1e sentinels so
// {"a":"bc"} and {"ab":"c"} hash differently.
func HashDims(dims map[string]string) uint64 {
	if len(dims) == 0 {
		return Fnv64a("")
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := uint64(fnvOffset64)
	mix := func(s string) {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= fnvPrime64
		}
	}
	for _, k := range keys {
		mix(k)
		h ^= 0x1f
		h *= fnvPrime64
		mix(dims[k])
		h ^= 0x1e
		h *= fnvPrime64
	}
	return h
}
