// Package exclude holds the path prefixes that are deliberately excluded
// from all tracking. The list is shared by the tracker SDK and the collect
// endpoint: the client skips identity work and emission for these paths,
// and the server drops anything that slips through anyway.
package exclude

import "strings"

// Prefixes are administrative and auth routes that must never appear in
// any stored event.
var Prefixes = []string{
	"/sign-in",
	"/sign-up",
	"/admin",
}

// Match reports whether path begins with an excluded prefix.
func Match(path string) bool {
	for _, p := range Prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
