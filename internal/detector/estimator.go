package detector

import (
	"math"
	"regexp"
	"strings"
)

const (
	charsPerToken  = 4
	codeMultiplier = 1.3
	urlTokenCost   = 10
)

// codePatterns flag text that tokenizes denser than prose: fenced code,
// function definitions, markup, markdown headings.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile("```"),
	regexp.MustCompile(`\bfunc\s+\w+\s*\(`),
	regexp.MustCompile(`\bdef\s+\w+\s*\(`),
	regexp.MustCompile(`\bfunction\s+\w+\s*\(`),
	regexp.MustCompile(`\bclass\s+\w+\s*[({:]`),
	regexp.MustCompile(`[{};]\s*\n`),
	regexp.MustCompile(`</\w+>`),
	regexp.MustCompile(`(?m)^#{1,6}\s`),
	regexp.MustCompile(`(?m)^\s*(?:import|from|#include|package)\s`),
}

var (
	urlPattern        = regexp.MustCompile(`https?://[^\s"'<>]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// EstimateTokens returns a heuristic token count for text. It is a character
// ratio estimate, not a tokenizer: roughly four characters per token, scaled
// up for code-like content and with a flat cost per URL.
func EstimateTokens(text string) int {
	normalized := strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	if normalized == "" {
		return 0
	}

	base := int(math.Ceil(float64(len(normalized)) / charsPerToken))

	multiplier := 1.0
	if looksLikeCode(text) {
		multiplier = codeMultiplier
	}

	urls := len(urlPattern.FindAllString(text, -1))

	return int(math.Ceil(float64(base)*multiplier)) + urls*urlTokenCost
}

// looksLikeCode reports whether text matches any of the code/markdown
// patterns. Matching is done against the raw text so line structure survives.
func looksLikeCode(text string) bool {
	for _, p := range codePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
