// Package market owns live market data: the quote hub, the tick-to-bar
// aggregator, and the timeframe arithmetic both share.
package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StandardTimeframes are auto-subscribed for every symbol on first quote.
var StandardTimeframes = []string{"1m", "5m", "15m", "1h"}

// TimeframeDuration parses "30s"/"1m"/"5m"/"15m"/"1h"/"1d" into a duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("bad timeframe %q", tf)
}

// BarOpenTime truncates ts to the start of its bar interval in UTC. A tick
// exactly on the boundary belongs to the new bar.
func BarOpenTime(ts time.Time, interval time.Duration) time.Time {
	return ts.UTC().Truncate(interval)
}
