package statement

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPartitionInterval is returned for intervals pg_partman would reject.
var ErrInvalidPartitionInterval = errors.New("invalid partition interval")

var timeIntervalPattern = regexp.MustCompile(`(?i)^\d+\s+(microsecond|millisecond|second|minute|hour|day|week|month|year)s?$`)

// ValidatePartitionInterval normalises a partition or retention interval.
//
// A numeric interval partitions by msg_id and must be positive. Anything else
// must be a time interval of the form "<number> <unit>", for example
// "1 day" or "7 days".
func ValidatePartitionInterval(interval string) (string, error) {
	trimmed := strings.TrimSpace(interval)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return IntervalFromInt(n)
	}
	if !timeIntervalPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q, expected '<number> <unit>' where unit is one of "+
			"microsecond, millisecond, second, minute, hour, day, week, month, year",
			ErrInvalidPartitionInterval, interval)
	}
	return trimmed, nil
}

// IntervalFromInt formats a numeric interval.
func IntervalFromInt(n int64) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: numeric partition interval must be positive", ErrInvalidPartitionInterval)
	}
	return strconv.FormatInt(n, 10), nil
}
