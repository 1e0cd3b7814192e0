package detector

import (
	"regexp"
	"strings"
	"time"
)

// Snapshot is a raw capture of the chat page posted by the content script.
// Body is the serialized markup (or plain text) of the chat area.
type Snapshot struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// Matcher counts message-like units in a snapshot. Matchers are alternatives,
// not additive: the estimate takes the maximum over all matchers so a single
// markup change doesn't zero the count.
type Matcher func(s *Snapshot) int

// DefaultMatchers returns the matcher list in priority order: structured
// attributes first, class-name patterns second, a content heuristic last.
func DefaultMatchers() []Matcher {
	return []Matcher{
		AttributeMatcher,
		ClassNameMatcher,
		ContentMatcher,
	}
}

var (
	authorRolePattern = regexp.MustCompile(`data-message-author-role\s*=\s*"user"`)
	messageIDPattern  = regexp.MustCompile(`data-message-id\s*=\s*"[^"]+"`)
	classAttrPattern  = regexp.MustCompile(`class\s*=\s*"[^"]*"`)
	classWordPattern  = regexp.MustCompile(`(?:^|[\s"_-])(?:message|Message|chat-message|msg)(?:[\s"_-]|$)`)
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
)

// AttributeMatcher counts messages by stable data attributes.
func AttributeMatcher(s *Snapshot) int {
	if n := len(authorRolePattern.FindAllString(s.Body, -1)); n > 0 {
		return n
	}
	return len(messageIDPattern.FindAllString(s.Body, -1))
}

// ClassNameMatcher counts elements whose class attribute contains a
// message-ish word. Looser than AttributeMatcher, survives attribute churn.
func ClassNameMatcher(s *Snapshot) int {
	count := 0
	for _, attr := range classAttrPattern.FindAllString(s.Body, -1) {
		if classWordPattern.MatchString(attr) {
			count++
		}
	}
	return count
}

// ContentMatcher is the last-resort heuristic: strip markup and count text
// blocks long enough to plausibly be chat messages.
func ContentMatcher(s *Snapshot) int {
	text := tagPattern.ReplaceAllString(s.Body, "\n")
	count := 0
	for _, block := range strings.Split(text, "\n") {
		if len(strings.TrimSpace(block)) >= 20 {
			count++
		}
	}
	return count
}

// VisibleText strips markup from the snapshot body for token estimation.
func VisibleText(s *Snapshot) string {
	return tagPattern.ReplaceAllString(s.Body, " ")
}
