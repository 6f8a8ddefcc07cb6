// Package status runs user-supplied status scripts and keeps the latest
// parsed status line per workspace, surviving backend restarts.
package status

import (
	"regexp"
	"strings"
)

// maxMessageLen bounds the status line shown in the UI.
const maxMessageLen = 300

var urlRe = regexp.MustCompile(`https?://[^\s]+`)

// Status is one parsed status-script result.
type Status struct {
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

// ParseOutput turns raw script output into a status. Stdout is preferred
// over stderr; only the first non-empty line counts. previousURL is carried
// forward when the new line has no URL of its own (URLs are sticky).
func ParseOutput(stdout, stderr, previousURL string) Status {
	line := firstNonEmptyLine(stdout)
	if line == "" {
		line = firstNonEmptyLine(stderr)
	}
	st := Status{Message: truncate(line), URL: previousURL}
	if url := urlRe.FindString(line); url != "" {
		st.URL = url
	}
	return st
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxMessageLen {
		return s
	}
	return string(runes[:maxMessageLen])
}
