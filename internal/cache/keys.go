package cache

import (
	"fmt"
	"strings"
)

// Cache keys are namespaced by purpose and always use the lowercased package
// name. Traffic keys include the start date, so the daily rollover of
// "yesterday" moves every request onto a new key without explicit eviction.

// TrafficKey returns traffic:{pkg}:{days}:{startDate}.
func TrafficKey(packageName string, days int, startDate string) string {
	return fmt.Sprintf("traffic:%s:%d:%s", strings.ToLower(packageName), days, startDate)
}

// The builders below reserve the key layout shared with the search, versions
// and repository lookups of the npmstat dashboard. trafficd itself only
// stores traffic snapshots.

// ValidateKey returns validate:{pkg}.
func ValidateKey(packageName string) string {
	return "validate:" + strings.ToLower(packageName)
}

// SearchKey returns search:{query}:{limit}.
func SearchKey(query string, limit int) string {
	return fmt.Sprintf("search:%s:%d", strings.ToLower(strings.TrimSpace(query)), limit)
}

// VersionsKey returns versions:{pkg}.
func VersionsKey(packageName string) string {
	return "versions:" + strings.ToLower(packageName)
}

// RepoKey returns repo:{pkg}.
func RepoKey(packageName string) string {
	return "repo:" + strings.ToLower(packageName)
}
