package track

import "strings"

// Fingerprint is the best-effort device classification attached to every
// emitted event. It is informational only and never authoritative.
type Fingerprint struct {
	Type    string
	OS      string
	Browser string
	Screen  string
	Lang    string
}

// uaRule maps a user-agent substring to a label. Rules are evaluated
// top-to-bottom and the first match wins, so the tables below are
// order-sensitive.
type uaRule struct {
	pattern string
	label   string
}

// Android must precede Linux (Android UAs contain "Linux"), and iPhone/iPad
// must precede Mac OS X.
var osRules = []uaRule{
	{"Windows", "Windows"},
	{"iPhone", "iOS"},
	{"iPad", "iOS"},
	{"Mac OS X", "macOS"},
	{"Android", "Android"},
	{"Linux", "Linux"},
}

// Edge and Opera embed "Chrome" in their UA, and Chrome embeds "Safari",
// so Edge is checked before Chrome and Chrome before Safari.
var browserRules = []uaRule{
	{"Edg", "Edge"},
	{"OPR", "Opera"},
	{"Firefox", "Firefox"},
	{"Chrome", "Chrome"},
	{"Safari", "Safari"},
}

// DetectFingerprint classifies a user agent plus environment hints into a
// device fingerprint. Unrecognized values come back empty; the server
// defaults them to "unknown" in breakdowns.
func DetectFingerprint(userAgent, screen, lang string) Fingerprint {
	return Fingerprint{
		Type:    deviceType(userAgent),
		OS:      matchFirst(osRules, userAgent),
		Browser: matchFirst(browserRules, userAgent),
		Screen:  screen,
		Lang:    lang,
	}
}

func deviceType(userAgent string) string {
	if strings.Contains(userAgent, "Mobi") || strings.Contains(userAgent, "Android") {
		return "mobile"
	}
	return "desktop"
}

func matchFirst(rules []uaRule, userAgent string) string {
	for _, r := range rules {
		if strings.Contains(userAgent, r.pattern) {
			return r.label
		}
	}
	return ""
}
