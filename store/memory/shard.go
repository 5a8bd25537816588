package memory

import (
	"strconv"
	"sync"
	"time"
)

// entry is one stored record. A record is either a scalar (val) or a
// sorted set (zset), never both. A zero expireAt means no expiry.
type entry struct {
	val      []byte
	zset     map[string]float64
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// shard is an independent partition of the keyspace with its own lock.
type shard struct {
	mu sync.Mutex
	m  map[string]*entry
}

// lookupLocked returns the live entry for key. Expired entries are removed
// on the spot, so expiry needs no background sweeper. mu must be held.
func (s *shard) lookupLocked(key string, now time.Time) (*entry, bool) {
	e, ok := s.m[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(s.m, key)
		return nil, false
	}
	return e, true
}

// setLocked stores a scalar value. mu must be held.
func (s *shard) setLocked(key string, value []byte, expireAt time.Time) {
	v := make([]byte, len(value))
	copy(v, value)
	s.m[key] = &entry{val: v, expireAt: expireAt}
}

// incrLocked adds delta to an integer scalar, creating it at zero with no
// expiry. mu must be held.
func (s *shard) incrLocked(key string, delta int64, now time.Time) (int64, error) {
	var cur int64
	if e, ok := s.lookupLocked(key, now); ok {
		if e.zset != nil {
			return 0, wrongKind(key)
		}
		v, err := parseInt(e.val)
		if err != nil {
			return 0, wrongKind(key)
		}
		cur = v
		cur += delta
		e.val = formatInt(cur)
		return cur, nil
	}
	cur = delta
	s.m[key] = &entry{val: formatInt(cur)}
	return cur, nil
}

func parseInt(b []byte) (int64, error) { return strconv.ParseInt(string(b), 10, 64) }

func formatInt(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }
