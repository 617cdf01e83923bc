package cache

import (
	"fmt"
	"time"
)

func RateLimitKey(bucket, caller string) string {
	return fmt.Sprintf("ratelimit:%s:%s", bucket, caller)
}

func HealthSuccessesKey(series string, minuteBucket int64) string {
	return fmt.Sprintf("health:%s:successes:%d", series, minuteBucket)
}

func HealthFailuresKey(series string, minuteBucket int64) string {
	return fmt.Sprintf("health:%s:failures:%d", series, minuteBucket)
}

func HealthLastSuccessKey(series string) string {
	return fmt.Sprintf("health:%s:last_success", series)
}

func HealthLastStatusKey(series string) string {
	return fmt.Sprintf("health:%s:last_status", series)
}

// MinuteBucket maps a wall-clock instant to its minute bucket id.
func MinuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}
