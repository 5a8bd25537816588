package store

import (
	"strconv"

	"github.com/IvanBrykalov/quotagate/provider"
)

// Persisted key layout. Every component builds its keys here so the
// namespace stays in one place.
//
//	cache:{provider}:{fingerprint}   response cache entry
//	quota:{provider}:{user}:{day}    daily cost counter
//	rate:{provider}:{user}           sliding-window sorted set
//	queue:{user}                     per-user priority queue
//	lock:sf:{fingerprint}            single-flight build lease
//	lock:pf:{fingerprint}            prefetch lease
//	cooldown:{provider}              provider-wide throttle cool-down mark
//	seen:{user}                      active-user mark feeding prefetch
//	metrics:{day}:{metric}:{dims}    persisted metric sample

// Prefixes used with ScanKeys and invalidation.
const (
	CachePrefix = "cache:"
	QueuePrefix = "queue:"
	SeenPrefix  = "seen:"
)

// Pub/sub channels.
const (
	ChannelSignIn        = "events:signin"
	ChannelAlerts        = "alerts"
	ChannelCacheExpiring = "cache:expiring"
)

// CacheKey returns the response-cache key for a fingerprint.
func CacheKey(p provider.Provider, fingerprint string) string {
	return CachePrefix + p.String() + ":" + fingerprint
}

// QuotaKey returns the daily quota-bucket key. day is a UTC yyyymmdd stamp.
func QuotaKey(p provider.Provider, user, day string) string {
	return "quota:" + p.String() + ":" + user + ":" + day
}

// RateKey returns the sliding-window key.
func RateKey(p provider.Provider, user string) string {
	return "rate:" + p.String() + ":" + user
}

// QueueKey returns the per-user queue key.
func QueueKey(user string) string {
	return QueuePrefix + user
}

// UserFromQueueKey recovers the user id from a queue key. ok is false for
// keys outside the queue namespace.
func UserFromQueueKey(key string) (string, bool) {
	if len(key) <= len(QueuePrefix) || key[:len(QueuePrefix)] != QueuePrefix {
		return "", false
	}
	return key[len(QueuePrefix):], true
}

// SingleFlightKey returns the build-lease key for a fingerprint.
func SingleFlightKey(fingerprint string) string {
	return "lock:sf:" + fingerprint
}

// PrefetchKey returns the prefetch-lease key for a fingerprint.
func PrefetchKey(fingerprint string) string {
	return "lock:pf:" + fingerprint
}

// CooldownKey returns the provider cool-down key. Its presence, not its
// value, marks the cool-down; TTL bounds the window.
func CooldownKey(p provider.Provider) string {
	return "cooldown:" + p.String()
}

// SeenKey returns the active-user mark for prefetch sweeps.
func SeenKey(user string) string {
	return SeenPrefix + user
}

// UserFromSeenKey recovers the user id from a seen key.
func UserFromSeenKey(key string) (string, bool) {
	if len(key) <= len(SeenPrefix) || key[:len(SeenPrefix)] != SeenPrefix {
		return "", false
	}
	return key[len(SeenPrefix):], true
}

// MetricKey returns the persisted-sample key for one metric and one
// dimension combination. day is a UTC yyyymmdd stamp; dims is the FNV-1a
// hash of the sorted dimension pairs.
func MetricKey(day, metric string, dims uint64) string {
	return "metrics:" + day + ":" + metric + ":" + strconv.FormatUint(dims, 16)
}
