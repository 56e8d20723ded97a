package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Grouping categories that only exist for fingerprinting.
const (
	GroupContentFilter = "content_filter"
	GroupTokenLimit    = "token_limit"
)

const fingerprintLen = 16

// Normalization regexes compiled once at package init.
var (
	reURL        = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.\-]*://[^\s"'<>()]+`)
	reGUID       = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	reLongNumber = regexp.MustCompile(`\d{5,}`)
	reInPathLine = regexp.MustCompile(`\s+in\s+[^\n]*?:\s*line\s+(?:\d+|<N>)`)
	reQuotedFile = regexp.MustCompile(`File\s+"[^"]*",\s*line\s+\d+`)
	reFileSuffix = regexp.MustCompile(`\s*\(?(?:[A-Za-z]:)?[\w.\-/\\@<>]*[/\\][\w.\-<>]+\.\w+(?::(?:\d+|<N>)){1,2}\)?`)
	reParenFile  = regexp.MustCompile(`\(([\w\-<>]+\.\w+):\d+\)`)
	reHexOffset  = regexp.MustCompile(`\s*\+0x[0-9a-fA-F]+`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reGoroutine  = regexp.MustCompile(`\bgoroutine \d+\b`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
)

// FingerprintInput is everything that can contribute to an error's
// grouping key. Only ExceptionType and Message are required.
type FingerprintInput struct {
	ExceptionType  string
	Message        string
	StackTrace     string
	GenAIOperation string
	GenAIProvider  string
	GenAIModel     string
	FinishReason   string
	// Category selects the grouping granularity: rate_limit groups by
	// provider, content_filter and token_limit group by model.
	Category string
}

// Fingerprint returns a 16 hex character digest that is stable across
// request-specific noise such as GUIDs, large numbers, URLs, file paths and
// line numbers.
func Fingerprint(in FingerprintInput) string {
	sum := sha256.Sum256([]byte(fingerprintSource(in)))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func fingerprintSource(in FingerprintInput) string {
	switch {
	case in.Category == string(models.CategoryRateLimit) && in.GenAIProvider != "":
		return string(models.CategoryRateLimit) + "\n" + in.GenAIProvider
	case (in.Category == GroupContentFilter || in.Category == GroupTokenLimit) && in.GenAIModel != "":
		return in.Category + "\n" + in.GenAIModel
	}

	var b strings.Builder
	b.WriteString(in.ExceptionType)
	b.WriteByte('\n')
	b.WriteString(NormalizeMessage(in.Message))
	b.WriteByte('\n')
	b.WriteString(NormalizeStackTrace(in.StackTrace))
	if in.GenAIOperation != "" {
		b.WriteByte('\n')
		b.WriteString(in.GenAIOperation)
	}
	if in.GenAIProvider != "" {
		b.WriteString("\nprovider:")
		b.WriteString(in.GenAIProvider)
	}
	if in.FinishReason != "" {
		b.WriteString("\nfinish:")
		b.WriteString(in.FinishReason)
	}
	return b.String()
}

// GroupingCategory picks the category passed to Fingerprint. Content
// filtering and token exhaustion are recognised from the GenAI error type or
// finish reason and narrow grouping to the model.
func GroupingCategory(category models.Category, genAIErrorType, finishReason string) string {
	signal := strings.ToLower(genAIErrorType + " " + finishReason)
	switch {
	case strings.Contains(signal, "content_filter"):
		return GroupContentFilter
	case strings.Contains(signal, "token_limit"),
		strings.Contains(signal, "context_length"),
		strings.Contains(signal, "max_tokens"),
		strings.TrimSpace(strings.ToLower(finishReason)) == "length":
		return GroupTokenLimit
	}
	return string(category)
}

// NormalizeMessage replaces request-specific tokens with placeholders.
func NormalizeMessage(msg string) string {
	msg = reURL.ReplaceAllString(msg, "<URL>")
	msg = reGUID.ReplaceAllString(msg, "<GUID>")
	msg = reLongNumber.ReplaceAllString(msg, "<N>")
	return strings.TrimSpace(msg)
}

// NormalizeStackTrace strips file locations, line numbers and goroutine ids from every
// frame and applies the message placeholders. Blank lines are dropped.
func NormalizeStackTrace(stack string) string {
	if stack == "" {
		return ""
	}
	stack = NormalizeMessage(stack)

	lines := strings.Split(stack, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = reInPathLine.ReplaceAllString(line, "")
		line = reQuotedFile.ReplaceAllString(line, "File")
		line = reFileSuffix.ReplaceAllString(line, "")
		line = reParenFile.ReplaceAllString(line, "($1)")
		line = reHexOffset.ReplaceAllString(line, "")
		line = reHexAddr.ReplaceAllString(line, "0xADDR")
		line = reGoroutine.ReplaceAllString(line, "goroutine <N>")
		line = reWhitespace.ReplaceAllString(strings.TrimSpace(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
