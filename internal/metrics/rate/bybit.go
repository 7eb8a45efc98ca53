package rate

import "net/http"

// bybitUsedWeight derives used weight from limit minus remaining. Bybit has
// shipped both X-Bapi-* and X-RateLimit-* header names.
func bybitUsedWeight(header http.Header) int64 {
	limitStr := header.Get("X-Bapi-Limit")
	if limitStr == "" {
		limitStr = header.Get("X-RateLimit-Limit")
	}
	remainingStr := header.Get("X-Bapi-Limit-Status")
	if remainingStr == "" {
		remainingStr = header.Get("X-RateLimit-Remaining")
	}
	limit, remaining := firstInt(limitStr), firstInt(remainingStr)
	if limit < 0 || remaining < 0 {
		return -1
	}
	if used := limit - remaining; used > 0 {
		return used
	}
	return 0
}
