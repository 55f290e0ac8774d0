package retry

import (
	"context"
	"errors"
	"strings"
)

// defaultRetryable are the message fragments that mark an error as
// transient. Matching is case-insensitive.
var defaultRetryable = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"rate limit",
	"service unavailable",
	"too many requests",
	"bad gateway",
	"econnreset",
	"enotfound",
	"etimedout",
}

// nonRetryable always aborts the retry loop, regardless of the
// retryable list. Auth, validation, and configuration problems do not
// heal by retrying.
var nonRetryable = []string{
	"authentication",
	"authorization",
	"unauthorized",
	"validation",
	"not found",
	"configuration",
}

// Retryable reports whether err is worth another attempt. extra
// extends the default retryable fragment set per call site.
func Retryable(err error, extra []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range nonRetryable {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	for _, frag := range defaultRetryable {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	for _, frag := range extra {
		if strings.Contains(msg, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}
