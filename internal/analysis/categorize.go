package analysis

import (
	"strings"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

type categoryRule struct {
	category models.Category
	keywords []string
}

// Rules are evaluated in order; the first keyword hit wins.
var (
	genAIRules = []categoryRule{
		{models.CategoryRateLimit, []string{"rate_limit", "ratelimit", "rate limit", "too_many_requests", "quota", "429"}},
		{models.CategoryAuth, []string{"auth", "permission", "api_key", "forbidden", "401", "403"}},
		{models.CategoryTimeout, []string{"timeout", "timed_out", "deadline"}},
		{models.CategoryValidation, []string{"invalid", "validation", "bad_request", "content_filter", "token_limit", "context_length", "max_tokens", "400"}},
		{models.CategoryExternal, []string{"server_error", "unavailable", "overloaded", "api_error", "upstream", "internal", "500", "502", "503"}},
	}

	exceptionRules = []categoryRule{
		{models.CategoryNetwork, []string{"network", "socket", "connection", "httprequest", "dns", "unreachable", "econnrefused"}},
		{models.CategoryTimeout, []string{"timeout", "timedout", "deadline"}},
		{models.CategoryAuth, []string{"auth", "unauthorized", "forbidden", "permission", "accessdenied", "credential", "security"}},
		{models.CategoryDatabase, []string{"sql", "database", "dbupdate", "dbexception", "postgres", "mongo", "redis", "query"}},
		{models.CategoryValidation, []string{"validation", "argument", "format", "parse", "invaliddata", "invalidinput", "constraint"}},
		{models.CategoryInternal, []string{"nullreference", "nullpointer", "invalidoperation", "notimplemented", "indexoutofrange", "outofmemory", "stackoverflow", "panic", "runtime", "internal"}},
	}
)

// Categorize classifies an error. A GenAI error type, when present, takes
// precedence and maps into the GenAI taxonomy; otherwise the exception type is
// matched case-insensitively. The result is never empty.
func Categorize(exceptionType, genAIErrorType string) models.Category {
	if genAIErrorType != "" {
		return match(genAIErrorType, genAIRules)
	}
	return match(exceptionType, exceptionRules)
}

func match(s string, rules []categoryRule) models.Category {
	lower := strings.ToLower(s)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.category
			}
		}
	}
	return models.CategoryUnknown
}
