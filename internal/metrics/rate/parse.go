package rate

import (
	"strconv"
	"strings"
)

// extractInts returns every integer substring in s; non-digits separate values.
func extractInts(s string) []int64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}

// firstInt returns the first integer in s, or -1 when there is none.
func firstInt(s string) int64 {
	if nums := extractInts(s); len(nums) > 0 {
		return nums[0]
	}
	return -1
}
