package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func IssueKey(issueID uuid.UUID) string {
	return fmt.Sprintf("issue:%s", issueID)
}

// IssueGenKey counts invalidations of one issue.
func IssueGenKey(issueID uuid.UUID) string {
	return fmt.Sprintf("issue:%s:gen", issueID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// RegressionLockKey guards one regression sweep per service across replicas.
// An empty service locks the all-services sweep.
func RegressionLockKey(service string) string {
	if service == "" {
		service = "*"
	}
	return fmt.Sprintf("lock:regression:%s", service)
}

// KeyTouchKey throttles last-used bookkeeping for one API key.
func KeyTouchKey(keyID uuid.UUID) string {
	return fmt.Sprintf("touch:apikey:%s", keyID)
}
