package forge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
)

// Version expression forms accepted by lookups, beyond exact M.m.p:
// "M.m" (highest patch in that minor line), "latest" (highest semver),
// "stable" (highest semver without a pre-release tag), and "best" (highest
// consensus weight, resolved by the registry which owns the weights).
const (
	VersionLatest = "latest"
	VersionStable = "stable"
	VersionBest   = "best"
)

// ParseVersion parses a strict semantic version M.m.p.
func ParseVersion(s string) (semver.Version, error) {
	return semver.Parse(strings.TrimPrefix(s, "v"))
}

// CompareVersions orders two version strings; unparseable versions sort
// before parseable ones so malformed data never wins a lookup.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// IsStable reports whether s parses and carries no pre-release tag.
func IsStable(s string) bool {
	v, err := ParseVersion(s)
	return err == nil && len(v.Pre) == 0
}

// MinorLine parses an "M.m" expression into its major and minor components.
func MinorLine(expr string) (major, minor uint64, ok bool) {
	parts := strings.Split(expr, ".")
	if len(parts) != 2 {
		return 0, 0, false
	}
	maj, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	min, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// LatestVersion returns the highest semver among versions.
func LatestVersion(versions []string) (string, bool) {
	return pickVersion(versions, func(semver.Version) bool { return true })
}

// LatestStable returns the highest semver without a pre-release tag.
func LatestStable(versions []string) (string, bool) {
	return pickVersion(versions, func(v semver.Version) bool { return len(v.Pre) == 0 })
}

// LatestInMinor returns the highest patch within the major.minor line.
func LatestInMinor(versions []string, major, minor uint64) (string, bool) {
	return pickVersion(versions, func(v semver.Version) bool {
		return v.Major == major && v.Minor == minor
	})
}

func pickVersion(versions []string, keep func(semver.Version) bool) (string, bool) {
	var best semver.Version
	bestStr := ""
	for _, s := range versions {
		v, err := ParseVersion(s)
		if err != nil || !keep(v) {
			continue
		}
		if bestStr == "" || v.GT(best) {
			best = v
			bestStr = s
		}
	}
	return bestStr, bestStr != ""
}

// NextPatch returns the version with the patch component incremented, for
// optimizer-promoted variants that re-register under a fresh version.
func NextPatch(s string) (string, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return "", fmt.Errorf("next patch of %q: %w", s, err)
	}
	v.Patch++
	v.Pre = nil
	v.Build = nil
	return v.String(), nil
}
