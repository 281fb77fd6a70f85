package kvload

import (
	"context"
	"math"
	"time"

	"go.uber.org/ratelimit"
)

const (
	linearRampupStrategy  = "linear"
	exp2RampupStrategy    = "exp2"
	defaultRampupStrategy = linearRampupStrategy
)

type rampupStrategy interface {
	execute(ctx context.Context, r *Runner) bool
}

// rampTarget attackers count the runner must reach by the end of ramp up
func rampTarget(r *Runner) int {
	if r.Config.Executor == ConstantVUsExecutor {
		return r.Config.VUs
	}
	return r.Config.MaxVUs
}

type linearIncreasingGoroutinesAndRequestsPerSecondStrategy struct{}

func (s linearIncreasingGoroutinesAndRequestsPerSecondStrategy) execute(ctx context.Context, r *Runner) bool {
	target := rampTarget(r)
	for i := 1; i <= r.Config.RampUpTimeSec; i++ {
		if ctx.Err() != nil {
			return false
		}
		size := int(math.Ceil(float64(i*target) / float64(r.Config.RampUpTimeSec)))
		if err := spawnAttackersToSize(r, size); err != nil {
			return false
		}
		takeDuringOneRampupSecond(ctx, r, i)
	}
	return ctx.Err() == nil
}

func spawnAttackersToSize(r *Runner, count int) error {
	routines := count
	if max := rampTarget(r); count > max {
		routines = max
	}
	// spawn extra goroutines
	for s := len(r.attackers); s < routines; s++ {
		if err := r.spawnAttacker(); err != nil {
			return err
		}
	}
	return nil
}

// takeDuringOneRampupSecond puts all attackers to work during one second,
// with a reduced rate for the constant-rate executor.
func takeDuringOneRampupSecond(ctx context.Context, r *Runner, second int) (int, *Metrics) {
	// collect Metrics for each second
	rampMetrics := NewMetrics()
	// rampup can only proceed when at least one attacker is waiting for tokens
	if len(r.attackers) == 0 {
		r.L.Info("no attackers available to start rampup or full attack")
		return 0, rampMetrics
	}
	r.setRampMetrics(rampMetrics)
	var (
		limiter ratelimit.Limiter
		rps     int
	)
	if r.Config.Executor == ConstantRateExecutor {
		// for each second start a new reduced rate limiter
		rps = second * r.Config.RPS / r.Config.RampUpTimeSec
		if rps == 0 { // minimal 1
			rps = 1
		}
		limiter = ratelimit.New(rps)
	}
	secCtx, cancel := context.WithTimeout(ctx, time.Second)
	r.dispatch(secCtx, limiter)
	cancel()
	r.setRampMetrics(nil)
	rampMetrics.updateLatencies()
	rampMetrics.updateSuccessRatio()
	r.RateLog = append(r.RateLog, rampMetrics.Rate)

	if r.Config.Verbose {
		r.L.Infof("rate [%4f -> %v], mean response [%v], # requests [%d], # attackers [%d], %% success [%d]",
			rampMetrics.Rate, rps, rampMetrics.meanLogEntry(), rampMetrics.Requests, len(r.attackers), rampMetrics.successLogEntry())
	}
	return rps, rampMetrics
}

type spawnAsWeNeedStrategy struct{}

func (s spawnAsWeNeedStrategy) execute(ctx context.Context, r *Runner) bool {
	// start at least one
	if err := r.spawnAttacker(); err != nil {
		return false
	}
	for i := 1; i <= r.Config.RampUpTimeSec; i++ {
		if ctx.Err() != nil {
			return false
		}
		targetRate, lastMetrics := takeDuringOneRampupSecond(ctx, r, i)
		currentRate := lastMetrics.Rate
		if currentRate < float64(targetRate) {
			factor := 2.0
			if currentRate > 0 {
				factor = math.Min(float64(targetRate)/currentRate, 2.0)
			}
			if err := spawnAttackersToSize(r, int(math.Ceil(float64(len(r.attackers))*factor))); err != nil {
				return false
			}
		}
	}
	return ctx.Err() == nil
}
