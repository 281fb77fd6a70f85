package kvload

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/ratelimit"
)

// BeforeRunner can be implemented by an Attacker
// and its method is called before a test or Run.
type BeforeRunner interface {
	BeforeRun(c RunnerConfig) error
}

// AfterRunner can be implemented by an Attacker
// and its method is called after a test or Run.
// The report is passed to compute the Failed field and/or store values in Output.
type AfterRunner interface {
	AfterRun(r *RunReport) error
}

type RuntimeCheckFunc func(r *Runner) bool

const (
	rampUp int32 = iota
	constantLoad
)

// Default runner runtime check types
const (
	prometheusCheckType = "prometheus"
	errorRatioCheckType = "error"
)

// IterationDurationTrend built-in trend of whole iteration durations
const IterationDurationTrend = "iteration_duration"

type Runner struct {
	name      string
	step      string
	ID        string
	testStage int32
	Manager   *LoadManager
	Config    RunnerConfig
	attackers []Attack
	once      sync.Once
	failed    int32 // set when a stop_if check fired
	cancel    context.CancelFunc
	next      chan bool
	quit      chan bool
	results   chan result
	collected chan struct{}
	prototype Attack

	// Checks whether to stop generator
	checkFunc RuntimeCheckFunc
	CheckData []Checks

	// Other clients for checks
	PromClient v1.API

	// Metrics
	registeredMetricsLabels []string
	RateLog                 []float64
	MaxRPS                  float64
	rampMu                  sync.Mutex
	// rampMetrics store only rampup interval metrics, replaced every interval
	rampMetrics *Metrics
	metricsMu   sync.RWMutex
	// Metrics store full attack metrics per request label
	Metrics     map[string]*Metrics
	trendsMu    sync.RWMutex
	trends      map[string]*Trend
	checksMu    sync.RWMutex
	checks      map[string]*checkCounter
	iterations  int64
	startedAt   time.Time
	timerMu     sync.RWMutex
	timers      map[string]metrics.Timer
	errorsMu    sync.RWMutex
	Errors      map[string]metrics.Counter
	vusGauge    metrics.Gauge
	vusSpawned  int64
	monitorOnce sync.Once
	// setupErr first attacker setup error, the run is cancelled when set
	setupErr error

	L *Logger
}

// NewRunner validates the config and creates a runner for one handle
func NewRunner(name string, lm *LoadManager, a Attack, ch RuntimeCheckFunc, c RunnerConfig) (*Runner, error) {
	c = c.withDefaults()
	if msg := c.Validate(); len(msg) > 0 {
		return nil, fmt.Errorf("configuration errors found for handle %s: %v", name, msg)
	}
	var promClient v1.API
	if lm != nil && lm.GeneratorConfig != nil && lm.GeneratorConfig.Prometheus != nil {
		promC, err := api.NewClient(api.Config{
			Address: lm.GeneratorConfig.Prometheus.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to setup prometheus client: %w", err)
		}
		promClient = v1.NewAPI(promC)
	}
	id := uuid.New().String()
	r := &Runner{
		name:      name,
		ID:        id,
		Manager:   lm,
		Config:    c,
		prototype: a,

		checkFunc: ch,
		CheckData: c.StopIf,

		PromClient: promClient,
		RateLog:    []float64{},

		next:      make(chan bool),
		quit:      make(chan bool),
		results:   make(chan result),
		collected: make(chan struct{}),
		attackers: []Attack{},

		registeredMetricsLabels: make([]string, 0),
		Metrics:                 make(map[string]*Metrics),
		trends:                  make(map[string]*Trend),
		checks:                  make(map[string]*checkCounter),
		timers:                  make(map[string]metrics.Timer),
		Errors:                  make(map[string]metrics.Counter),
		vusGauge:                metrics.NewGauge(),

		L: &Logger{log.With("runner", name, "runId", id)},
	}
	r.L.Infof("bootstraping generator")
	r.L.Infof("[%d] available logical CPUs", runtime.NumCPU())
	return r, nil
}

// Name handle name of the runner
func (r *Runner) Name() string {
	return r.name
}

// ReportName name of the runner report, qualified by step when the runner belongs to a suite step
func (r *Runner) ReportName() string {
	return r.qualify(r.name)
}

func (r *Runner) qualify(name string) string {
	if r.step == "" {
		return name
	}
	return r.step + "." + name
}

// Failed reports whether a stop_if check stopped the run
func (r *Runner) Failed() bool {
	return atomic.LoadInt32(&r.failed) == 1
}

func (r *Runner) stage() int32 {
	return atomic.LoadInt32(&r.testStage)
}

// spawnAttacker is called only from the Run goroutine
func (r *Runner) spawnAttacker() error {
	n := len(r.attackers) + 1
	if r.Config.Verbose {
		r.L.Infof("setup and spawn new attacker [%d]", n)
	}
	attacker := r.prototype.Clone(r)
	if err := attacker.Setup(r.Config); err != nil {
		r.L.Errorf("attacker [%d] setup failed with [%v]", n, err)
		if r.setupErr == nil {
			r.setupErr = fmt.Errorf("attacker setup: %w", err)
		}
		if r.cancel != nil {
			r.cancel()
		}
		return r.setupErr
	}
	r.attackers = append(r.attackers, attacker)
	r.vusGauge.Update(atomic.AddInt64(&r.vusSpawned, 1))
	go attack(attacker, n, r.next, r.quit, r.results, r.Config.timeout())
	return nil
}

// addResult is called from a dedicated goroutine.
func (r *Runner) addResult(s result) {
	label := s.doResult.RequestLabel
	if label == "" {
		label = r.name
	}
	r.metricsMu.Lock()
	m, ok := r.Metrics[label]
	if !ok {
		m = NewMetrics()
		r.Metrics[label] = m
	}
	r.metricsMu.Unlock()
	m.add(s)

	r.rampMu.Lock()
	if r.rampMetrics != nil {
		r.rampMetrics.add(s)
	}
	r.rampMu.Unlock()

	atomic.AddInt64(&r.iterations, 1)
	r.Trend(IterationDurationTrend).AddDuration(s.elapsed)
	if r.Manager != nil && r.Manager.Exporter != nil {
		r.Manager.Exporter.iteration(r.name)
	}
	if s.doResult.Error != nil && r.Config.Verbose {
		r.L.Debugf("iteration [%s] failed: %v", label, s.doResult.Error)
	}
}

// Probe uses the Attack to perform {count} calls and returns their results,
// it is intended for development of an Attack implementation.
func (r *Runner) Probe(ctx context.Context, count int) ([]DoResult, error) {
	probe := r.prototype.Clone(r)
	if err := probe.Setup(r.Config); err != nil {
		return nil, fmt.Errorf("probe attack setup failed: %w", err)
	}
	defer probe.Teardown()
	res := make([]DoResult, 0, count)
	for s := count; s > 0; s-- {
		now := time.Now()
		result := probe.Do(ctx)
		r.L.Infof("probe attack call [%s] took [%v] with status [%v] and error [%v]", result.RequestLabel, time.Since(now), result.StatusCode, result.Error)
		res = append(res, result)
	}
	return res, nil
}

// defaultCheckByData setups default prometheus or error ratio check func
func (r *Runner) defaultCheckByData() {
	if r.checkFunc != nil {
		r.L.Info("custom check selected")
		return
	}
	if len(r.CheckData) == 0 {
		r.L.Debug("no default check found")
		return
	}
	switch r.CheckData[0].Type {
	case prometheusCheckType:
		if r.PromClient == nil {
			r.L.Warn("prometheus check selected but no prometheus configured, skipping")
			return
		}
		r.L.Infof("default prometheus check selected, query: %s", r.CheckData[0].Query)
		r.checkFunc = PromBooleanQuery
	case errorRatioCheckType:
		r.L.Infof("default error check selected, threshold: %.2f perc errors", r.CheckData[0].Threshold)
		r.checkFunc = func(r *Runner) bool {
			return ErrorPercentCheck(r, r.CheckData[0].Threshold)
		}
	default:
		r.L.Infof("unknown check type selected, skipping runner runtime check")
	}
}

// Run offers the complete flow of a test, it blocks until the duration elapsed or ctx is done.
func (r *Runner) Run(ctx context.Context, wg *sync.WaitGroup) *RunReport {
	if wg != nil {
		defer wg.Done()
	}
	if lifecycler, ok := r.prototype.(BeforeRunner); ok {
		if err := lifecycler.BeforeRun(r.Config); err != nil {
			r.L.Errorf("BeforeRun failed: %s", err)
			rep := NewErrorReport(fmt.Errorf("before run: %w", err), r.Config)
			return &rep
		}
	}
	go r.collectResults()
	r.initMonitoring()

	if r.Config.WaitBeforeSec != 0 {
		r.L.Infof("awaiting runner start, sleeping for %d sec", r.Config.WaitBeforeSec)
		select {
		case <-time.After(time.Duration(r.Config.WaitBeforeSec) * time.Second):
		case <-ctx.Done():
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, r.Config.duration())
	r.cancel = cancel
	defer cancel()
	r.defaultCheckByData()
	r.checkStopIf(runCtx)
	r.startedAt = time.Now()
	if r.rampUp(runCtx) {
		r.fullAttack(runCtx)
	}
	r.Shutdown()
	r.ReportMaxRPS()
	report := r.reportMetrics()
	if r.setupErr != nil {
		report.RunError = r.setupErr.Error()
		report.Failed = true
	}
	if lifecycler, ok := r.prototype.(AfterRunner); ok {
		if err := lifecycler.AfterRun(report); err != nil {
			r.L.Errorf("AfterRun failed: %s", err)
		}
	}
	return report
}

func (r *Runner) initMonitoring() {
	if r.Manager == nil || r.Manager.GeneratorConfig == nil {
		return
	}
	g := r.Manager.GeneratorConfig.Graphite
	if g.URL == "" {
		return
	}
	if err := StartGraphiteSender(g.LoadGeneratorPrefix, time.Duration(g.FlushIntervalSec)*time.Second, g.URL); err != nil {
		r.L.Errorf("graphite monitoring disabled: %s", err)
		return
	}
	r.monitorOnce.Do(func() {
		r.registerMetric("vus-"+r.ReportName(), r.vusGauge)
	})
}

func (r *Runner) registerLabelTimings(label string) metrics.Timer {
	r.timerMu.RLock()
	timer, ok := r.timers[label]
	r.timerMu.RUnlock()
	if ok {
		return timer
	}
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if timer, ok = r.timers[label]; ok {
		return timer
	}
	timer = metrics.NewTimer()
	r.timers[label] = timer
	r.registerMetric(r.qualify(label)+"-timer", timer)
	return timer
}

func (r *Runner) registerErrCount(label string) metrics.Counter {
	r.errorsMu.RLock()
	cnt, ok := r.Errors[label]
	r.errorsMu.RUnlock()
	if ok {
		return cnt
	}
	r.errorsMu.Lock()
	defer r.errorsMu.Unlock()
	if cnt, ok = r.Errors[label]; ok {
		return cnt
	}
	cnt = metrics.NewCounter()
	r.Errors[label] = cnt
	r.registerMetric(r.qualify(label)+"-err", cnt)
	return cnt
}

func (r *Runner) registerMetric(name string, metric interface{}) {
	r.registeredMetricsLabels = append(r.registeredMetricsLabels, name)
	if err := metrics.Register(name, metric); err != nil {
		r.L.Infof("failed to register metric: %s", err)
	}
}

// dispatch hands iteration tokens to free virtual users until ctx is done,
// a nil limiter means every free virtual user starts its next iteration at once
func (r *Runner) dispatch(ctx context.Context, limiter ratelimit.Limiter) {
	for {
		if limiter != nil {
			limiter.Take()
		}
		select {
		case <-ctx.Done():
			return
		case r.next <- true:
		}
	}
}

func (r *Runner) fullAttack(ctx context.Context) {
	atomic.StoreInt32(&r.testStage, constantLoad)
	var limiter ratelimit.Limiter
	switch r.Config.Executor {
	case ConstantVUsExecutor:
		if err := spawnAttackersToSize(r, r.Config.VUs); err != nil {
			return
		}
	case ConstantRateExecutor:
		if r.Config.RampUpTimeSec == 0 {
			if err := spawnAttackersToSize(r, r.Config.MaxVUs); err != nil {
				return
			}
		}
		limiter = ratelimit.New(r.Config.RPS) // per second
	}
	if r.Config.Verbose {
		deadline, _ := ctx.Deadline()
		r.L.Infof("begin full attack of [%v] remaining with [%d] attackers", time.Until(deadline).Round(time.Second), len(r.attackers))
	}
	r.dispatch(ctx, limiter)
	if r.Config.Verbose {
		r.L.Info("end full attack")
	}
}

func (r *Runner) rampUp(ctx context.Context) bool {
	if r.Config.RampUpTimeSec == 0 {
		return true
	}
	atomic.StoreInt32(&r.testStage, rampUp)
	strategy := r.Config.RampUpStrategy
	if r.Config.Executor == ConstantVUsExecutor {
		strategy = linearRampupStrategy
	}
	if r.Config.Verbose {
		r.L.Infof("begin rampup of [%d] seconds within attack of [%d] seconds using strategy [%s]",
			r.Config.RampUpTimeSec,
			r.Config.DurationSec,
			strategy,
		)
	}
	var finished bool
	switch strategy {
	case linearRampupStrategy:
		finished = linearIncreasingGoroutinesAndRequestsPerSecondStrategy{}.execute(ctx, r)
	case exp2RampupStrategy:
		finished = spawnAsWeNeedStrategy{}.execute(ctx, r)
	}
	r.setRampMetrics(nil)
	if r.Config.Verbose {
		r.L.Infof("end rampup ending up with [%d] attackers", len(r.attackers))
	}
	return finished
}

func (r *Runner) setRampMetrics(m *Metrics) {
	r.rampMu.Lock()
	defer r.rampMu.Unlock()
	r.rampMetrics = m
}

func (r *Runner) currentRampMetrics() *Metrics {
	r.rampMu.Lock()
	defer r.rampMu.Unlock()
	return r.rampMetrics
}

// quitAttackers waits for every attacker to finish its in-flight iteration
func (r *Runner) quitAttackers() {
	if r.Config.Verbose {
		r.L.Infof("stopping attackers [%d]", len(r.attackers))
	}
	for range r.attackers {
		r.quit <- true
	}
}

func (r *Runner) tearDownAttackers() {
	if r.Config.Verbose {
		r.L.Infof("tearing down attackers [%d]", len(r.attackers))
	}
	for i, each := range r.attackers {
		if err := each.Teardown(); err != nil {
			r.L.Infof("failed to teardown attacker [%d]:%v", i, err)
		}
	}
}

func (r *Runner) unregisterMetrics() {
	for _, m := range r.registeredMetricsLabels {
		metrics.Unregister(m)
	}
}

func (r *Runner) reportMetrics() *RunReport {
	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()
	for _, each := range r.Metrics {
		each.updateLatencies()
		each.updateSuccessRatio()
	}
	return &RunReport{
		StartedAt:     r.startedAt,
		FinishedAt:    time.Now(),
		Configuration: r.Config,
		Metrics:       r.Metrics,
		Trends:        r.TrendSummaries(),
		Checks:        r.CheckResults(),
		Iterations:    atomic.LoadInt64(&r.iterations),
		Failed:        r.Failed(), // may be overwritten by AfterRun
		Output:        map[string]interface{}{},
	}
}

func (r *Runner) collectResults() {
	defer close(r.collected)
	for res := range r.results {
		r.addResult(res)
	}
}

func (r *Runner) ReportMaxRPS() {
	r.MaxRPS = MaxRPS(r.RateLog)
	if r.MaxRPS > 0 {
		r.L.Infof("max rps during rampup: %.2f", r.MaxRPS)
	}
}

// Shutdown stops all attackers and waits for the results of in-flight iterations
func (r *Runner) Shutdown() {
	r.once.Do(func() {
		if r.cancel == nil {
			// never started
			return
		}
		r.L.Infof("test ended, shutting down runner")
		r.cancel()
		r.quitAttackers()
		close(r.results)
		<-r.collected
		r.tearDownAttackers()
		r.unregisterMetrics()
	})
}

// stopRun interrupts the run and marks it failed
func (r *Runner) stopRun() {
	atomic.StoreInt32(&r.failed, 1)
	if r.Manager != nil {
		r.Manager.markFailed()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// checkStopIf executes check function every interval, stops the run if it returns true
func (r *Runner) checkStopIf(ctx context.Context) {
	if r.checkFunc == nil {
		return
	}
	interval := time.Second
	if len(r.CheckData) > 0 && r.CheckData[0].Interval > 0 {
		interval = time.Duration(r.CheckData[0].Interval) * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.checkFunc(r) {
					r.L.Infof("runtime check failed, exiting")
					r.stopRun()
					return
				}
			}
		}
	}()
}
