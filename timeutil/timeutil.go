// Package timeutil provides the wall-clock stamp used by the command-line
// tool (the mkfs log line and the dump header). The on-disk format itself
// stores no timestamps.
package timeutil

import (
	"os"
	"strconv"
	"time"
)

// GetTime returns the current time in UTC, honoring SOURCE_DATE_EPOCH if
// set, for reproducible mkfs output.
func GetTime() time.Time {
	if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		if ts, err := strconv.ParseInt(epoch, 10, 64); err == nil {
			return time.Unix(ts, 0).UTC()
		}
	}
	return time.Now().UTC()
}
