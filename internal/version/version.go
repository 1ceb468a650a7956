// Package version holds build metadata injected with -ldflags -X.
package version

import "time"

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// Built parses BuildTime, returning the zero time when it is unset.
func Built() time.Time {
	if BuildTime == "" || BuildTime == "unknown" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
