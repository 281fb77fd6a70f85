package kvload

import (
	"sync/atomic"
	"time"
)

// CheckResult pass/fail counters of a named check
type CheckResult struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

type checkCounter struct {
	passes, fails int64
}

// Check records the outcome of a named assertion and returns ok,
// a failed check never interrupts the iteration.
func (r *Runner) Check(name string, ok bool) bool {
	r.checksMu.RLock()
	c, found := r.checks[name]
	r.checksMu.RUnlock()
	if !found {
		r.checksMu.Lock()
		if c, found = r.checks[name]; !found {
			c = &checkCounter{}
			r.checks[name] = c
		}
		r.checksMu.Unlock()
	}
	if ok {
		atomic.AddInt64(&c.passes, 1)
	} else {
		atomic.AddInt64(&c.fails, 1)
		r.L.Debugf("check failed: %s", name)
	}
	if r.Manager != nil && r.Manager.Exporter != nil {
		r.Manager.Exporter.check(r.name, name, ok)
	}
	return ok
}

// CheckResults snapshot of all check counters
func (r *Runner) CheckResults() map[string]CheckResult {
	r.checksMu.RLock()
	defer r.checksMu.RUnlock()
	res := make(map[string]CheckResult, len(r.checks))
	for name, c := range r.checks {
		res[name] = CheckResult{
			Passes: atomic.LoadInt64(&c.passes),
			Fails:  atomic.LoadInt64(&c.fails),
		}
	}
	return res
}

// Trend returns the named trend of this runner, creating it on first use
func (r *Runner) Trend(name string) *Trend {
	r.trendsMu.RLock()
	t, ok := r.trends[name]
	r.trendsMu.RUnlock()
	if ok {
		return t
	}
	r.trendsMu.Lock()
	defer r.trendsMu.Unlock()
	if t, ok = r.trends[name]; ok {
		return t
	}
	t = NewTrend(name)
	t.sink = r.sample
	r.trends[name] = t
	return t
}

// sample forwards a trend sample to the samples csv and the exporter
func (r *Runner) sample(name string, v float64) {
	if r.Manager == nil {
		return
	}
	if r.Manager.Samples != nil {
		if err := r.Manager.Samples.Write(name, time.Now(), v, r.name); err != nil {
			r.L.Errorf("failed to write sample: %s", err)
		}
	}
	if r.Manager.Exporter != nil {
		r.Manager.Exporter.observe(r.name, name, v)
	}
}

// TrendSummaries summaries of every trend
func (r *Runner) TrendSummaries() map[string]TrendSummary {
	r.trendsMu.RLock()
	defer r.trendsMu.RUnlock()
	res := make(map[string]TrendSummary, len(r.trends))
	for name, t := range r.trends {
		res[name] = t.Summary()
	}
	return res
}
