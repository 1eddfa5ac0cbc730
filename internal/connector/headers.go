package connector

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/tado-community/tado-governor/pkg/quota"
)

// The service publishes its quota in draft-RFC ratelimit headers:
//
//	RateLimit-Policy: fixed;q=5000;w=86400
//	RateLimit: default;r=4711;t=53100
var (
	limitPattern     = regexp.MustCompile(`q=(\d+)`)
	remainingPattern = regexp.MustCompile(`r=(\d+)`)
)

// parseQuotaHeaders extracts authoritative quota values from response headers.
// Returns nil when neither field is present or parseable; the budget tracker
// then falls back to local decrements.
func parseQuotaHeaders(h http.Header) *quota.Info {
	var info quota.Info
	var found bool

	if m := limitPattern.FindStringSubmatch(h.Get("RateLimit-Policy")); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			info.Limit = v
			found = true
		}
	}
	if m := remainingPattern.FindStringSubmatch(h.Get("RateLimit")); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			info.Remaining = v
			found = true
		}
	}
	if !found {
		return nil
	}
	return &info
}
