// Package pkgname normalizes and validates npm package names before any
// network call is made.
package pkgname

import (
	"sort"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/npmstat/trafficd/internal/model"
)

// MaxLength is the registry's limit on package name length.
const MaxLength = 214

// namePattern allows an optional @scope/ prefix followed by the characters the
// registry accepts. Legacy names may contain upper case letters, so matching is
// case-insensitive; callers lowercase names when building cache keys.
const namePattern = `(?i)^(@[a-z0-9\-~][a-z0-9\-._~]*/)?[a-z0-9\-~][a-z0-9\-._~]*$`

// Result is the outcome of ValidatePackageName.
type Result struct {
	OK    bool
	Error string
}

// NormalizePackageInput trims surrounding whitespace. Case is preserved.
func NormalizePackageInput(input string) string {
	return strings.TrimSpace(input)
}

// ValidatePackageName checks a normalized name against the registry naming
// rules.
func ValidatePackageName(name string) Result {
	if name == "" {
		return Result{Error: "package name is required"}
	}
	if !govalidator.RuneLength(name, "1", "214") {
		return Result{Error: "package name must be at most 214 characters"}
	}
	if !govalidator.Matches(name, namePattern) {
		return Result{Error: "package name contains invalid characters"}
	}
	return Result{OK: true}
}

// AssertValidPackageName returns an INVALID_REQUEST error when name is not a
// valid package name.
func AssertValidPackageName(name string) error {
	result := ValidatePackageName(name)
	if result.OK {
		return nil
	}
	return model.NewInvalidRequest("invalid package name %q: %s", name, result.Error)
}

// CanonicalizePackageList normalizes, validates, lowercases, de-duplicates and
// sorts a list of package names so that equivalent lists produce identical
// cache keys and URLs.
func CanonicalizePackageList(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	canonical := make([]string, 0, len(names))

	for _, raw := range names {
		name := NormalizePackageInput(raw)
		if name == "" {
			continue
		}
		if err := AssertValidPackageName(name); err != nil {
			return nil, err
		}
		lowered := strings.ToLower(name)
		if _, duplicate := seen[lowered]; duplicate {
			continue
		}
		seen[lowered] = struct{}{}
		canonical = append(canonical, lowered)
	}

	sort.Strings(canonical)
	return canonical, nil
}
