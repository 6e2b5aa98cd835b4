package chat

import (
	"regexp"
	"strings"
)

// markupPattern matches script and style blocks with their bodies, HTML
// comments, and single tags. A '<' not followed by a tag name is kept, so
// "1 < 2 and 3 > 2" survives untouched.
var markupPattern = regexp.MustCompile(`(?is)<script\b.*?</script\s*>|<style\b.*?</style\s*>|<!--.*?-->|</?[a-z][^<>]*>`)

// Sanitize strips markup and trims the result. It is a minimal guard against
// injected markup, not an HTML sanitizer.
func Sanitize(content string) string {
	return strings.TrimSpace(markupPattern.ReplaceAllString(content, ""))
}
