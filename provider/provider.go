// Package provider defines the fixed provider and tier enumerations shared
// by the rate, quota, cache and queue packages.
package provider

import "fmt"

// Provider identifies an upstream API family.
type Provider string

// The supported providers.
const (
	Video  Provider = "video"
	Music  Provider = "music"
	Chat   Provider = "chat"
	Gaming Provider = "gaming"
)

// All returns the supported providers in a stable order.
func All() []Provider {
	return []Provider{Video, Music, Chat, Gaming}
}

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case Video, Music, Chat, Gaming:
		return true
	}
	return false
}

// String returns the wire name.
func (p Provider) String() string { return string(p) }

// Parse converts a wire name into a Provider.
func Parse(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("provider: unknown provider %q", s)
	}
	return p, nil
}

// Tier classifies a user. It controls daily cost caps, queue depth and
// queue priority.
type Tier string

// The supported tiers, lowest to highest.
const (
	Free       Tier = "free"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
)

// Tiers returns the supported tiers, lowest first.
func Tiers() []Tier {
	return []Tier{Free, Premium, Enterprise}
}

// Valid reports whether t names a supported tier.
func (t Tier) Valid() bool {
	switch t {
	case Free, Premium, Enterprise:
		return true
	}
	return false
}

// String returns the wire name.
func (t Tier) String() string { return string(t) }

// ParseTier converts a wire name into a Tier. The empty string maps to
// Free so unauthenticated callers get the lowest class of service.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return Free, nil
	}
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("provider: unknown tier %q", s)
	}
	return t, nil
}

// Priority is the queue priority a tier grants. Higher drains first.
func (t Tier) Priority() int {
	switch t {
	case Enterprise:
		return 2
	case Premium:
		return 1
	default:
		return 0
	}
}
