package detector

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Session id sources, in priority order: URL query parameter, URL path
// segment, DOM session marker, synthetic time bucket.

var sessionQueryParams = []string{"chat_id", "session_id", "conversation_id", "id"}

var sessionPathPattern = regexp.MustCompile(`/(?:chat|c|conversation|session)s?/([\w-]+)`)

var sessionMarkerPattern = regexp.MustCompile(`data-(?:chat|session|conversation)-id\s*=\s*"([^"]+)"`)

// DeriveSessionID extracts a stable chat session identifier from the
// snapshot. When nothing identifies the conversation, it falls back to an
// hour-bucketed synthetic id so unrelated activity still groups coarsely.
func DeriveSessionID(s *Snapshot, now time.Time) string {
	if u, err := url.Parse(s.URL); err == nil {
		q := u.Query()
		for _, param := range sessionQueryParams {
			if v := q.Get(param); v != "" {
				return v
			}
		}
		if m := sessionPathPattern.FindStringSubmatch(u.Path); m != nil && !isStaticSegment(m[1]) {
			return m[1]
		}
	}

	if m := sessionMarkerPattern.FindStringSubmatch(s.Body); m != nil {
		return m[1]
	}

	return fmt.Sprintf("synthetic-%s", now.UTC().Format("2006010215"))
}

// isStaticSegment filters path segments that are navigation, not ids.
func isStaticSegment(seg string) bool {
	switch strings.ToLower(seg) {
	case "new", "home", "index", "list", "settings":
		return true
	}
	return false
}
