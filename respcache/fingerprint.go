package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/IvanBrykalov/quotagate/provider"
)

// SchemaVersion is folded into every fingerprint so a format migration
// invalidates the whole cache automatically instead of serving entries in
// the old shape.
const SchemaVersion = "v1"

// Field separators inside the canonical string. Unit separator between a
// key and its value, record separator between pairs, so ("a","bc") and
// ("ab","c") cannot collide.
const (
	sepKV   = "\x1f"
	sepPair = "\x1e"
)

// Fingerprint derives the deterministic cache key for one request. Params
// are normalized first: keys are lowercased and trimmed, values trimmed,
// pairs sorted by key. The user tier is folded in only for tier-variant
// operations, so shared responses stay shared.
func Fingerprint(p provider.Provider, operation string, params map[string]string, tier provider.Tier, tierVariant bool) string {
	var b strings.Builder
	b.WriteString(p.String())
	b.WriteString(sepPair)
	b.WriteString(strings.ToLower(strings.TrimSpace(operation)))
	b.WriteString(sepPair)

	keys := make([]string, 0, len(params))
	norm := make(map[string]string, len(params))
	for k, v := range params {
		nk := strings.ToLower(strings.TrimSpace(k))
		// Last write wins on keys that collide after normalization;
		// sorted iteration keeps the winner deterministic.
		if prev, ok := norm[nk]; !ok || strings.TrimSpace(v) > prev {
			if !ok {
				keys = append(keys, nk)
			}
			norm[nk] = strings.TrimSpace(v)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(sepKV)
		b.WriteString(norm[k])
		b.WriteString(sepPair)
	}

	if tierVariant {
		b.WriteString(tier.String())
		b.WriteString(sepPair)
	}
	b.WriteString(SchemaVersion)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
