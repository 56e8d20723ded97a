package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	unknownErrorMessage = "Unknown error"
	maxTitleBytes       = 255
	maxCulpritBytes     = 255
)

// Attribute keys read from an error-bearing span, in fallback order.
var (
	attrErrorType     = []string{"exception.type", "error.type"}
	attrErrorMessage  = []string{"exception.message", "error.message"}
	attrStackTrace    = []string{"exception.stacktrace", "error.stack"}
	attrUserID        = []string{"enduser.id", "user.id"}
	attrProvider      = []string{"gen_ai.provider.name", "gen_ai.system"}
	attrModel         = []string{"gen_ai.response.model", "gen_ai.request.model"}
	attrOperation     = []string{"gen_ai.operation.name"}
	attrFinishReason  = []string{"gen_ai.response.finish_reasons", "gen_ai.response.finish_reason"}
	attrGenAIError    = []string{"gen_ai.error.type"}
	attrEnvironment   = []string{"deployment.environment.name", "deployment.environment"}
	attrRelease       = []string{"service.version"}
	attrPlatform      = []string{"telemetry.sdk.language", "process.runtime.name"}
	attrExceptionEsc  = "exception.escaped"
)

// Extract derives an ErrorEvent from an error-bearing record. It returns nil
// when the record does not carry error status. A malformed attribute payload
// is treated as if no attributes were present.
func Extract(rec models.ErrorRecord) *models.ErrorEvent {
	if !strings.EqualFold(rec.Status, models.SpanStatusError) {
		return nil
	}

	attrs := parseAttributes(rec.Attributes)

	errType := firstNonEmpty(attrString(attrs, attrErrorType...), rec.Name)
	message := firstNonEmpty(attrString(attrs, attrErrorMessage...), rec.StatusMessage, unknownErrorMessage)

	ev := &models.ErrorEvent{
		ErrorType:      errType,
		Message:        message,
		StackTrace:     attrString(attrs, attrStackTrace...),
		Level:          "error",
		ServiceName:    rec.ServiceName,
		Platform:       attrString(attrs, attrPlatform...),
		TraceID:        rec.TraceID,
		SpanID:         rec.SpanID,
		UserID:         attrString(attrs, attrUserID...),
		Environment:    attrString(attrs, attrEnvironment...),
		ReleaseVersion: attrString(attrs, attrRelease...),
		GenAIProvider:  attrString(attrs, attrProvider...),
		GenAIModel:     attrString(attrs, attrModel...),
		GenAIOperation: attrString(attrs, attrOperation...),
		FinishReason:   attrString(attrs, attrFinishReason...),
		GenAIErrorType: attrString(attrs, attrGenAIError...),
		Timestamp:      rec.Timestamp,
	}
	if escaped, ok := attrs[attrExceptionEsc].(bool); ok && escaped {
		ev.Level = "fatal"
	}

	ev.Category = Categorize(ev.ErrorType, ev.GenAIErrorType)
	ev.Fingerprint = Fingerprint(FingerprintInput{
		ExceptionType:  ev.ErrorType,
		Message:        ev.Message,
		StackTrace:     ev.StackTrace,
		GenAIOperation: ev.GenAIOperation,
		GenAIProvider:  ev.GenAIProvider,
		GenAIModel:     ev.GenAIModel,
		FinishReason:   ev.FinishReason,
		Category:       GroupingCategory(ev.Category, ev.GenAIErrorType, ev.FinishReason),
	})
	return ev
}

// Title renders the display title of an issue created from ev.
func Title(ev *models.ErrorEvent) string {
	title := ev.ErrorType
	if ev.Message != "" {
		title += ": " + strings.SplitN(ev.Message, "\n", 2)[0]
	}
	return truncateString(title, maxTitleBytes)
}

// Culprit names the code location responsible for ev: the top normalized
// stack frame, else the GenAI operation and model.
func Culprit(ev *models.ErrorEvent) string {
	if top := strings.SplitN(NormalizeStackTrace(ev.StackTrace), "\n", 2)[0]; top != "" {
		return truncateString(strings.TrimPrefix(top, "at "), maxCulpritBytes)
	}
	if ev.GenAIOperation != "" {
		return strings.TrimSpace(ev.GenAIOperation + " " + ev.GenAIModel)
	}
	return ""
}

func parseAttributes(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil
	}
	return attrs
}

// attrString returns the first non-empty value among keys. Arrays yield
// their first element; scalars are formatted.
func attrString(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := attrs[k]
		if !ok || v == nil {
			continue
		}
		if list, ok := v.([]any); ok {
			if len(list) == 0 {
				continue
			}
			v = list[0]
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case map[string]any:
			continue
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
