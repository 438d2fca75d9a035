package transcript

import (
	"regexp"
	"strings"
	"unicode"
)

// Spoken punctuation aliases. Within one pattern the longer alias comes first
// so "question mark" wins over "question" and "three dots" over "dot".
var aliasRules = []struct {
	re  *regexp.Regexp
	rep string
}{
	{regexp.MustCompile(`(?i)\b(ellipsis|dot dot dot|three dots)\b`), "..."},
	{regexp.MustCompile(`(?i)\b(full stop|period|dot)\b`), "."},
	{regexp.MustCompile(`(?i)\b(question mark|question)\b`), "?"},
	{regexp.MustCompile(`(?i)\b(exclamation mark|exclamation|exclaim)\b`), "!"},
	{regexp.MustCompile(`(?i)\b(comma)\b`), ","},
	{regexp.MustCompile(`(?i)\b(colon)\b`), ":"},
	{regexp.MustCompile(`(?i)\b(semicolon)\b`), ";"},
	{regexp.MustCompile(`(?i)\b(new line|newline|new paragraph|line break)\b`), "\n"},
	{regexp.MustCompile(`(?i)\b(open parenthesis|open bracket)\b`), "("},
	{regexp.MustCompile(`(?i)\b(close parenthesis|close bracket)\b`), ")"},
	{regexp.MustCompile(`(?i)\b(double quote|quotation|quote)\b`), `"`},
	{regexp.MustCompile(`(?i)\b(single quote|apostrophe)\b`), "'"},
	{regexp.MustCompile(`(?i)\b(dash|hyphen)\b`), "-"},
	{regexp.MustCompile(`(?i)\b(percent sign|percent)\b`), "%"},
	{regexp.MustCompile(`(?i)\b(and sign|ampersand)\b`), "&"},
	{regexp.MustCompile(`(?i)\b(at sign)\b`), "@"},
	{regexp.MustCompile(`(?i)\b(forward slash|slash)\b`), "/"},
	{regexp.MustCompile(`(?i)\b(backslash)\b`), `\`},
}

var (
	spaceBeforeClosing = regexp.MustCompile(`\s+([,.:;?!%'\)\]\}])`)
	spaceBeforeOpening = regexp.MustCompile(`\s+([\(\[\{])`)
	spaceAfterOpening  = regexp.MustCompile(`([\(\[\{])\s+`)
	missingSpaceAfter  = regexp.MustCompile(`([.?!:;,%\)\]]{1,3})([A-Za-z])`)
	runsOfSpace        = regexp.MustCompile(`[ \t]{2,}`)
	capitalizeAfter    = regexp.MustCompile(`(^|[\n.!?]\s+)[a-z]`)
	terminalPunct      = regexp.MustCompile(`[.?!]$`)
	interrogativeLead  = regexp.MustCompile(`(?i)^(who|what|when|where|why|how|which|whom|whose|is|are|am|was|were|do|does|did|can|could|would|will|shall|should|have|has|had)\b`)
)

// Normalize turns dictated punctuation words and raw ASR output into
// capitalized, punctuated text. It is deterministic and side-effect free;
// already-normalized text is a fixed point.
func Normalize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	t := strings.TrimSpace(raw)
	for _, rule := range aliasRules {
		t = rule.re.ReplaceAllString(t, rule.rep)
	}
	t = spaceBeforeClosing.ReplaceAllString(t, "$1")
	t = spaceBeforeOpening.ReplaceAllString(t, "$1")
	t = spaceAfterOpening.ReplaceAllString(t, "$1")
	t = missingSpaceAfter.ReplaceAllString(t, "$1 $2")
	t = runsOfSpace.ReplaceAllString(t, " ")

	lines := strings.Split(t, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	t = strings.Join(lines, "\n")

	t = capitalizeAfter.ReplaceAllStringFunc(t, func(m string) string {
		runes := []rune(m)
		runes[len(runes)-1] = unicode.ToUpper(runes[len(runes)-1])
		return string(runes)
	})
	t = strings.TrimSpace(t)

	// Dictation rarely includes a closing "?", so infer one from the way the
	// utterance began rather than from the substituted text.
	if t != "" && !terminalPunct.MatchString(t) && interrogativeLead.MatchString(strings.TrimSpace(raw)) {
		t += "?"
	}
	return t
}

// ExtractAssistantContent unwraps text that came back wrapped in a
// structured-object string representation, e.g.
//
//	message=ChatCompletionMessage(content='Actual text', role=...)
//
// The scan is escape-aware; if no wrapper pattern matches the raw trimmed
// string is returned unchanged.
func ExtractAssistantContent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	idx := strings.Index(trimmed, "content=")
	if idx < 0 {
		return trimmed
	}
	rest := trimmed[idx+len("content="):]
	if rest == "" {
		return trimmed
	}
	quote := rest[0]
	if quote != '\'' && quote != '"' {
		return trimmed
	}
	var b strings.Builder
	escaped := false
	for i := 1; i < len(rest); i++ {
		c := rest[i]
		if escaped {
			// Keep only the escaped character; \' and \" collapse to the quote.
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case quote:
			return strings.TrimSpace(b.String())
		default:
			b.WriteByte(c)
		}
	}
	// Unterminated wrapper; fall back to the raw string.
	return trimmed
}
