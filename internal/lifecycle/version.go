package lifecycle

import (
	"strconv"
	"strings"
)

// UpdateAvailable compares two dotted version strings component-wise and
// reports whether latest is newer than current. Components are zero-padded to
// equal length before comparison. Malformed versions never report an update.
func UpdateAvailable(current, latest string) bool {
	cur, ok := parseVersion(current)
	if !ok {
		return false
	}
	lat, ok := parseVersion(latest)
	if !ok {
		return false
	}

	for len(cur) < len(lat) {
		cur = append(cur, 0)
	}
	for len(lat) < len(cur) {
		lat = append(lat, 0)
	}

	for i := range cur {
		if lat[i] > cur[i] {
			return true
		}
		if lat[i] < cur[i] {
			return false
		}
	}
	return false
}

func parseVersion(v string) ([]int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil, false
	}

	parts := strings.Split(v, ".")
	nums := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, false
		}
		nums[i] = n
	}
	return nums, true
}
