package rate

import (
	"net/http"
	"strings"
	"time"

	"cryptotrack/internal/metrics"
	"cryptotrack/logger"
)

// ReportRateLimitExceeded counts a refused request for venue.
func ReportRateLimitExceeded(log *logger.Log, venue, path string) {
	fields := logger.Fields{"venue": strings.ToLower(venue), "path": path}
	metrics.IncRestRequest(strings.ToLower(venue), "rate_limited")
	metrics.Record(log, "rest", "rest_rate_limited", 1, "counter", fields)
	logger.OrDefault(log).WithComponent("rest").WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts an IP ban signalled by venue.
func ReportIPBan(log *logger.Log, venue, path string) {
	fields := logger.Fields{"venue": strings.ToLower(venue), "path": path}
	metrics.Record(log, "rest", "ip_ban", 1, "counter", fields)
	logger.OrDefault(log).WithComponent("rest").WithFields(fields).Error("ip banned")
}

// DetectLimit inspects a venue error message for rate limit or IP ban
// wording. Each venue phrases these differently.
func DetectLimit(venue, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "too much request weight")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// RetryAfter reads the Retry-After header as whole seconds.
func RetryAfter(header http.Header) time.Duration {
	nums := extractInts(header.Get("Retry-After"))
	if len(nums) == 0 {
		return 0
	}
	return time.Duration(nums[0]) * time.Second
}

// ReportUsedWeight parses the venue's rate limit headers and records the
// used weight gauge.
func ReportUsedWeight(log *logger.Log, venue string, header http.Header) {
	var used int64
	switch strings.ToLower(venue) {
	case "binance":
		used = binanceUsedWeight(header)
	case "bybit":
		used = bybitUsedWeight(header)
	case "kucoin":
		used = kucoinUsedWeight(header)
	default:
		return
	}
	if used < 0 {
		return
	}
	metrics.SetUsedWeight(strings.ToLower(venue), float64(used))
	logger.OrDefault(log).WithComponent("rest").WithFields(logger.Fields{
		"venue":       venue,
		"used_weight": used,
	}).Debug("rest weight")
}
