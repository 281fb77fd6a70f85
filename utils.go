package kvload

import (
	"fmt"
	"net"
	"sync"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/rcrowley/go-metrics"
)

var (
	graphiteOnce sync.Once
	graphiteErr  error
)

// StartGraphiteSender flushes the default go-metrics registry to graphite, only the first call has effect
func StartGraphiteSender(prefix string, flushDuration time.Duration, url string) error {
	graphiteOnce.Do(func() {
		log.Infof("[graphite-monitoring] setup graphite client with url: %s", url)
		addr, err := net.ResolveTCPAddr("tcp", url)
		if err != nil {
			graphiteErr = fmt.Errorf("[graphite-monitoring] ResolveTCPAddr on [%s] failed: %w", url, err)
			return
		}
		go graphite.Graphite(
			metrics.DefaultRegistry,
			flushDuration,
			prefix,
			addr,
		)
	})
	return graphiteErr
}

func timeNow() time.Time {
	return time.Now()
}

func timeHumanReadable(t time.Time, timezone string) string {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t.String()
	}
	return t.In(location).String()
}

func epochNowMillis(t time.Time) int64 {
	return t.UnixNano() / 1000000
}
