package handlers

import (
	"regexp"
	"strings"
)

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	semverRe   = regexp.MustCompile(`\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?`)
	buildRe    = regexp.MustCompile(`Build:\s*(\d{4}-\d{2}-\d{2})`)
)

// stripANSI removes terminal color codes from CLI output before parsing.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// parseSemver extracts a semantic version from CLI output, preferring the
// last line (banners print above the version). Returns "unknown" when no
// version is present.
func parseSemver(output string) string {
	clean := strings.TrimSpace(stripANSI(output))
	lines := strings.Split(clean, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := semverRe.FindString(strings.TrimSpace(lines[i])); m != "" {
			return m
		}
	}
	return "unknown"
}

// parseBuildDate extracts a "Build: YYYY-MM-DD" stamp from CLI output.
func parseBuildDate(output string) string {
	if m := buildRe.FindStringSubmatch(stripANSI(output)); m != nil {
		return m[1]
	}
	return "unknown"
}
