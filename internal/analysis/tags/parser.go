// Package tags extracts @mentions and the @ai invocation marker from message
// bodies. Parse is pure; Resolve performs the single batched directory lookup.
package tags

import (
	"regexp"
	"strings"
)

// AIToken is the reserved handle that asks the assistant to reply.
const AIToken = "ai"

// mentionPattern matches "@token" where "@" starts the text or follows a
// non-word character, so "bob@example.com" is not a mention.
var mentionPattern = regexp.MustCompile(`(?:^|[^\w])@(\w+)`)

// aiTagPattern matches an @ai marker and the whitespace after it. The
// preceding character is checked separately so adjacent markers all match.
var aiTagPattern = regexp.MustCompile(`(?i)@ai\b\s*`)

// Parsed is the structural result of scanning a body.
type Parsed struct {
	// Tokens holds user handles in order of appearance, duplicates included.
	Tokens      []string
	AIRequested bool
}

// Parse scans body for mentions. It never fails; text without matches yields
// an empty result.
func Parse(body string) Parsed {
	var parsed Parsed
	for _, match := range mentionPattern.FindAllStringSubmatch(body, -1) {
		token := match[1]
		if strings.EqualFold(token, AIToken) {
			parsed.AIRequested = true
			continue
		}
		parsed.Tokens = append(parsed.Tokens, token)
	}
	return parsed
}

// StripAI removes every @ai marker from body and trims the result.
func StripAI(body string) string {
	var b strings.Builder
	last := 0
	for _, loc := range aiTagPattern.FindAllStringIndex(body, -1) {
		if loc[0] > 0 && isWordByte(body[loc[0]-1]) {
			continue
		}
		b.WriteString(body[last:loc[0]])
		last = loc[1]
	}
	b.WriteString(body[last:])
	return strings.TrimSpace(b.String())
}

// isWordByte mirrors the ASCII \w class used by the patterns above.
func isWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
