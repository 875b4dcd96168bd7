package cache

import (
	"fmt"
)

// RateLimitKey scopes a per-minute request counter to one caller.
func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}

func UpstreamStatusKey(upstreamKey string) string {
	return fmt.Sprintf("upstream:status:%s", upstreamKey)
}
