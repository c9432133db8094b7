package featureflags

import (
	"os"
	"strings"
)

// Known flags.
const (
	// ProximityRequired rejects unlocks that carry no beacon sighting.
	ProximityRequired = "proximity_required"
	// LiveStream enables the access log websocket feed.
	LiveStream = "live_stream"
)

// Enabled returns true if a flag is enabled via environment variable.
// Flags are read from env as FLAG_<NAME>=true/1/yes (case-insensitive)
func Enabled(name string) bool {
	v := os.Getenv("FLAG_" + strings.ToUpper(name))
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
