package stylesync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity and history item ids end in "_<unix milliseconds>". The suffix is
// the item's total order key: whenever two items collide by id or need a
// recency decision without an explicit timestamp, the larger suffix wins.

// NewID mints an id with the given prefix and a creation timestamp suffix.
func NewID(prefix string, now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%s_%d", prefix, token, now.UnixMilli())
}

// TimeOf parses the creation timestamp encoded in an id suffix. The second
// return is false when the id carries no parseable suffix.
func TimeOf(id string) (time.Time, bool) {
	idx := strings.LastIndex(id, "_")
	if idx < 0 || idx == len(id)-1 {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil || millis < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

// NewerID reports whether a is strictly newer than b by id-encoded
// timestamp, falling back to lexicographic order when a suffix is missing.
func NewerID(a, b string) bool {
	ta, okA := TimeOf(a)
	tb, okB := TimeOf(b)
	if okA && okB {
		if ta.Equal(tb) {
			return a > b
		}
		return ta.After(tb)
	}
	if okA != okB {
		return okA
	}
	return a > b
}
