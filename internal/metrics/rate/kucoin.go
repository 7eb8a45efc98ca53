package rate

import "net/http"

func kucoinUsedWeight(header http.Header) int64 {
	limit := firstInt(header.Get("gw-ratelimit-limit"))
	remaining := firstInt(header.Get("gw-ratelimit-remaining"))
	if limit < 0 || remaining < 0 {
		return -1
	}
	if used := limit - remaining; used > 0 {
		return used
	}
	return 0
}
