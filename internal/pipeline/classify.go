package pipeline

import (
	"strings"
	"time"
)

// Category is the retry category assigned to a failure.
type Category string

const (
	CategoryTemporary Category = "temporary"
	CategoryResource  Category = "resource"
	CategoryNetwork   Category = "network"
	CategoryPermanent Category = "permanent"
	CategoryUnknown   Category = "unknown"
)

// categoryKeywords maps categories to their marker substrings, in match
// priority order. The first category with a hit wins.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryTemporary, []string{"timeout", "connection", "network", "temporarily unavailable", "try again"}},
	{CategoryResource, []string{"memory", "disk space", "resource", "busy", "locked"}},
	{CategoryNetwork, []string{"curl", "http", "ssl", "certificate", "dns"}},
	{CategoryPermanent, []string{"file not found", "permission denied", "invalid", "corrupt", "unsupported", "malformed"}},
}

// Classify maps an error description to a retry category by
// case-insensitive substring match.
func Classify(errText string) Category {
	lowered := strings.ToLower(errText)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}

// RetryDecision is the ephemeral retry verdict for one failure. It is
// derived solely from the current attempt count and the classified
// category; it is never persisted.
type RetryDecision struct {
	ShouldRetry bool
	Wait        time.Duration
	Strategy    string
	Reason      string
}

// maxBackoff caps exponential backoff waits.
const maxBackoff = 300 * time.Second

// Decide computes the retry decision for a failure on attempt `attempt`
// (1-based) out of maxAttempts.
func Decide(category Category, attempt, maxAttempts int) RetryDecision {
	if attempt >= maxAttempts {
		return RetryDecision{Reason: "max_attempts_exceeded"}
	}

	switch category {
	case CategoryTemporary:
		wait := time.Duration(1<<uint(attempt)) * 10 * time.Second
		if wait > maxBackoff {
			wait = maxBackoff
		}
		return RetryDecision{
			ShouldRetry: true,
			Wait:        wait,
			Strategy:    "exponential_backoff",
			Reason:      "temporary_error",
		}
	case CategoryResource:
		return RetryDecision{
			ShouldRetry: true,
			Wait:        60 * time.Second,
			Strategy:    "fixed_wait",
			Reason:      "resource_pressure",
		}
	case CategoryNetwork:
		return RetryDecision{
			ShouldRetry: true,
			Wait:        30 * time.Second,
			Strategy:    "fixed_wait",
			Reason:      "network_error",
		}
	case CategoryPermanent:
		return RetryDecision{Reason: "permanent_error"}
	default:
		if attempt == 1 {
			return RetryDecision{
				ShouldRetry: true,
				Wait:        120 * time.Second,
				Strategy:    "cautious_single_retry",
				Reason:      "unknown_error",
			}
		}
		return RetryDecision{Reason: "unknown_error_exhausted"}
	}
}
