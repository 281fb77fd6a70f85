package kvload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mockFactory(failEvery int64) AttackerFactory {
	return func(name string) (Attack, error) {
		if name == "unknown" {
			return nil, ErrUnknownAttacker
		}
		a := newAttackMock(20 * time.Millisecond)
		a.failEvery = failEvery
		return WithCSVMonitor(WithMonitor(a)), nil
	}
}

func testSuite(dir string, mode string, handles ...string) *SuiteConfig {
	s := &SuiteConfig{
		HttpTimeout:   defaultHTTPTimeout,
		IterationsCSV: filepath.Join(dir, "result.csv"),
		SamplesCSV:    filepath.Join(dir, "samples.csv"),
		Steps:         []Step{{Name: "load", ExecutionMode: mode}},
	}
	for _, h := range handles {
		s.Steps[0].Handles = append(s.Steps[0].Handles, RunnerConfig{HandleName: h, DurationSec: 1})
	}
	return s
}

func testGenerator(dir string) *GeneratorConfig {
	g := &GeneratorConfig{ReportDir: filepath.Join(dir, "reports")}
	g.Checks.HandleThresholdPercent = 1.5
	return g
}

func TestRunParallelSuite(t *testing.T) {
	dir := t.TempDir()
	err := Run(context.Background(), mockFactory(0), nil, testSuite(dir, ParallelMode, "first", "second"), testGenerator(dir), RunOptions{})
	require.NoError(t, err)

	for _, h := range []string{"first", "second"} {
		_, err := os.Stat(filepath.Join(dir, "reports", "load."+h+"_last"))
		require.NoError(t, err, "no last success marker for %s", h)
	}
	f, err := os.Open(filepath.Join(dir, "samples.csv"))
	require.NoError(t, err)
	defer f.Close()
	samples, err := ReadSamples(f)
	require.NoError(t, err)
	handles := map[string]bool{}
	for _, s := range samples {
		handles[s.Handle] = true
	}
	require.Equal(t, map[string]bool{"first": true, "second": true}, handles)

	iterations, err := os.ReadFile(filepath.Join(dir, "result.csv"))
	require.NoError(t, err)
	require.NotEmpty(t, iterations)
}

func TestRunSuiteWithErrorsFails(t *testing.T) {
	dir := t.TempDir()
	err := Run(context.Background(), mockFactory(2), nil, testSuite(dir, SequenceMode, "flaky"), testGenerator(dir), RunOptions{})
	require.True(t, errors.Is(err, ErrSuiteFailed))
	_, err = os.Stat(filepath.Join(dir, "reports", "load.flaky_last"))
	require.True(t, os.IsNotExist(err))
}

func TestRunUnknownAttacker(t *testing.T) {
	dir := t.TempDir()
	err := Run(context.Background(), mockFactory(0), nil, testSuite(dir, SequenceMode, "unknown"), testGenerator(dir), RunOptions{})
	require.True(t, errors.Is(err, ErrUnknownAttacker))
}

func TestRunHooks(t *testing.T) {
	dir := t.TempDir()
	var before, after bool
	err := Run(context.Background(), mockFactory(0), nil, testSuite(dir, SequenceMode, "hooked"), testGenerator(dir), RunOptions{
		BeforeSuite: func(*GeneratorConfig) error { before = true; return nil },
		AfterSuite:  func(*GeneratorConfig) error { after = true; return nil },
	})
	require.NoError(t, err)
	require.True(t, before)
	require.True(t, after)

	err = Run(context.Background(), mockFactory(0), nil, testSuite(dir, SequenceMode, "hooked"), testGenerator(dir), RunOptions{
		BeforeSuite: func(*GeneratorConfig) error { return errors.New("no target") },
	})
	require.Error(t, err)
}

func TestSuiteFromStepsOverrides(t *testing.T) {
	dir := t.TempDir()
	lm, err := SuiteFromSteps(mockFactory(0), nil, testSuite(dir, SequenceMode, "a", "b"), testGenerator(dir), Overrides{VUs: 3, DurationSec: 7})
	require.NoError(t, err)
	defer lm.Shutdown()
	require.Len(t, lm.Steps[0].Runners, 2)
	for _, r := range lm.Steps[0].Runners {
		require.Equal(t, 3, r.Config.VUs)
		require.Equal(t, 7, r.Config.DurationSec)
	}
}

func TestSameHandleInSeveralSteps(t *testing.T) {
	dir := t.TempDir()
	suite := testSuite(dir, SequenceMode, "dkv")
	suite.Steps = append(suite.Steps, Step{
		Name:          "rate",
		ExecutionMode: ParallelMode,
		Handles:       []RunnerConfig{{HandleName: "dkv", DurationSec: 1}},
	})
	lm, err := SuiteFromSteps(mockFactory(0), nil, suite, testGenerator(dir), Overrides{})
	require.NoError(t, err)
	require.NoError(t, lm.RunSuite(context.Background()))

	require.Len(t, lm.Reports, 2)
	require.NotNil(t, lm.Report("load.dkv"))
	require.NotNil(t, lm.Report("rate.dkv"))
	require.Greater(t, lm.Report("load.dkv").Iterations, int64(0))
	require.Greater(t, lm.Report("rate.dkv").Iterations, int64(0))

	require.NoError(t, lm.StoreHandleReports())
	for _, name := range []string{"load.dkv", "rate.dkv"} {
		_, err := lm.LastSuccessReportForHandle(name)
		require.NoError(t, err)
	}
}

func TestSuiteFromStepsRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	_, err := SuiteFromSteps(mockFactory(0), nil, testSuite(dir, ParallelMode, "dkv", "dkv"), testGenerator(dir), Overrides{})
	require.Error(t, err)

	suite := testSuite(dir, SequenceMode, "dkv")
	suite.Steps = append(suite.Steps, suite.Steps[0])
	_, err = SuiteFromSteps(mockFactory(0), nil, suite, testGenerator(dir), Overrides{})
	require.Error(t, err)
}

func TestUnknownExecutionMode(t *testing.T) {
	dir := t.TempDir()
	lm, err := SuiteFromSteps(mockFactory(0), nil, testSuite(dir, "random", "a"), testGenerator(dir), Overrides{})
	require.NoError(t, err)
	require.Error(t, lm.RunSuite(context.Background()))
	lm.Shutdown()
}

func TestCheckDegradation(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLoadManager(&SuiteConfig{}, testGenerator(dir))
	require.NoError(t, err)

	// first run has nothing to compare with
	lm.Reports["dkv_set_get"] = &RunReport{Trends: map[string]TrendSummary{"dkv_set_key": {Med: 10}}}
	require.NoError(t, lm.CheckDegradation())
	require.False(t, lm.Degradation)
	require.NoError(t, lm.StoreHandleReports())

	last, err := lm.LastSuccessReportForHandle("dkv_set_get")
	require.NoError(t, err)
	require.Equal(t, 10.0, last.Trends["dkv_set_key"].Med)

	lm.Reports["dkv_set_get"] = &RunReport{Trends: map[string]TrendSummary{"dkv_set_key": {Med: 14}}}
	require.NoError(t, lm.CheckDegradation())
	require.False(t, lm.Degradation)

	lm.Reports["dkv_set_get"] = &RunReport{Trends: map[string]TrendSummary{"dkv_set_key": {Med: 16}}}
	require.NoError(t, lm.CheckDegradation())
	require.True(t, lm.Degradation)
}

func TestCheckErrors(t *testing.T) {
	lm, err := NewLoadManager(&SuiteConfig{}, nil)
	require.NoError(t, err)
	ok := NewMetrics()
	lm.Reports["a"] = &RunReport{Metrics: map[string]*Metrics{"a": ok}}
	lm.CheckErrors()
	require.False(t, lm.Failed())

	bad := NewMetrics()
	bad.add(result{doResult: DoResult{Error: errMock}})
	lm.Reports["b"] = &RunReport{Metrics: map[string]*Metrics{"b": bad}}
	lm.CheckErrors()
	require.True(t, lm.Failed())
}
