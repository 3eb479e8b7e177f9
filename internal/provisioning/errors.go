package provisioning

import (
	"fmt"
	"strings"
)

// Kind classifies a failed create call.
const (
	KindNetwork     = "network"
	KindTransient   = "transient"
	KindRateLimited = "rate_limited"
	KindAuth        = "auth"
	KindPermission  = "permission"
	KindQuota       = "quota_exceeded"
	KindUnknown     = "unknown"
)

// quotaMarker identifies the business ad-account cap. Matching on message text is
// brittle; it is kept to this one phrase.
const quotaMarker = "exceeded the number of allowed ad accounts"

var (
	rateLimitCodes = map[int]bool{4: true, 17: true, 341: true, 368: true}
	transientCodes = map[int]bool{1: true, 2: true}
)

// Classify maps an HTTP status and Graph error to a Kind. status 0 means no response.
func Classify(status, code int, message string) string {
	switch {
	case rateLimitCodes[code]:
		return KindRateLimited
	case transientCodes[code]:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status == 429:
		return KindRateLimited
	case status == 0:
		return KindNetwork
	case strings.Contains(strings.ToLower(message), quotaMarker):
		return KindQuota
	case isAuthCode(code):
		return KindAuth
	case code == 3 || code == 10:
		return KindPermission
	}
	return KindUnknown
}

// Retryable reports whether kind may succeed on another attempt.
func Retryable(kind string) bool {
	switch kind {
	case KindNetwork, KindTransient, KindRateLimited:
		return true
	}
	return false
}

func isAuthCode(code int) bool {
	return code == 102 || code == 190 || (code >= 200 && code <= 299)
}

// FormatError renders a failed Result for operators.
func FormatError(r Result) string {
	msg := r.Message
	if msg == "" {
		msg = "Unknown error"
	}
	switch {
	case isAuthCode(r.Code):
		return fmt.Sprintf("Authentication error: %s. Please check your access token.", msg)
	case r.Code == 17:
		return "User rate limit exceeded. Please wait before making more requests."
	case r.Code == 341:
		return "Application limit reached. Please wait and retry."
	case r.Code == 368:
		return "Temporarily blocked for policy violations. Please wait and retry."
	case r.Code == 3 || r.Code == 10:
		return "Permission denied. Please check your app permissions and capabilities."
	}
	if r.TraceID != "" {
		msg += fmt.Sprintf(" (Trace ID: %s)", r.TraceID)
	}
	return msg
}
