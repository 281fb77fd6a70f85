package kvload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	ReportFileTmpl = "%s-%d.json"
	ParallelMode   = "parallel"
	SequenceMode   = "sequence"
)

// LoadManager manages data and finish criteria
type LoadManager struct {
	// SuiteConfig holds data common for all steps
	SuiteConfig *SuiteConfig
	// GeneratorConfig holds generator data
	GeneratorConfig *GeneratorConfig
	// Steps runner objects that fires .Do()
	Steps []RunStep
	// Reports run reports keyed by Runner.ReportName, <step>.<handle>
	reportsMu sync.Mutex
	Reports   map[string]*RunReport
	// CSVLog iteration log of all handles
	CSVLog *CSVData
	// Samples every trend sample of all handles, nil if disabled
	Samples *SampleWriter
	// Exporter prometheus exporter of trends and checks, nil if disabled
	Exporter  *Exporter
	ReportDir string
	// When degradation threshold is reached for any handle, see checks.handle_threshold_percent
	Degradation bool
	failed      int32
	closeOnce   sync.Once
}

type RunStep struct {
	Name          string
	ExecutionMode string
	Runners       []*Runner
}

// NewLoadManager creates manager and opens suite data files
func NewLoadManager(suiteCfg *SuiteConfig, genCfg *GeneratorConfig) (*LoadManager, error) {
	if genCfg == nil {
		genCfg = &GeneratorConfig{}
	}
	lm := &LoadManager{
		SuiteConfig:     suiteCfg,
		GeneratorConfig: genCfg,
		Steps:           make([]RunStep, 0),
		Reports:         make(map[string]*RunReport),
	}
	if suiteCfg.IterationsCSV != "" {
		f, err := createFileOrAppend(suiteCfg.IterationsCSV)
		if err != nil {
			return nil, fmt.Errorf("failed to open iterations log: %w", err)
		}
		lm.CSVLog = NewCSVData(f)
	}
	if suiteCfg.SamplesCSV != "" {
		s, err := NewSampleWriter(suiteCfg.SamplesCSV)
		if err != nil {
			return nil, fmt.Errorf("failed to create samples file: %w", err)
		}
		lm.Samples = s
	}
	if genCfg.ReportDir != "" {
		dir, err := filepath.Abs(genCfg.ReportDir)
		if err != nil {
			return nil, err
		}
		lm.ReportDir = dir
	}
	return lm, nil
}

func (m *LoadManager) markFailed() {
	atomic.StoreInt32(&m.failed, 1)
}

// Failed reports whether any handle failed a stop_if check or finished with errors
func (m *LoadManager) Failed() bool {
	return atomic.LoadInt32(&m.failed) == 1
}

// HandleShutdownSignal calls cancel on SIGINT or SIGTERM, runners then stop gracefully
func (m *LoadManager) HandleShutdownSignal(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		log.Info("exit signal received, stopping runners")
		if m.SuiteConfig.GoroutinesDump {
			buf := make([]byte, 1<<20)
			stacklen := runtime.Stack(buf, true)
			log.Infof("=== received SIGTERM ===\n*** goroutine dump...\n%s\n*** end\n", buf[:stacklen])
		}
		cancel()
	}()
}

// Shutdown stops all runners, flushes and closes data files
func (m *LoadManager) Shutdown() {
	for _, s := range m.Steps {
		for _, r := range s.Runners {
			r.Shutdown()
		}
	}
	m.closeOnce.Do(func() {
		if m.CSVLog != nil {
			if err := m.CSVLog.Close(); err != nil {
				log.Errorf("failed to close iterations log: %s", err)
			}
		}
		if m.Samples != nil {
			if err := m.Samples.Close(); err != nil {
				log.Errorf("failed to close samples file: %s", err)
			}
		}
	})
}

func (m *LoadManager) storeReport(r *Runner, rep *RunReport) {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	m.Reports[r.ReportName()] = rep
	if rep.Failed || rep.RunError != "" {
		m.markFailed()
	}
}

// Report returns report by runner report name, nil if the runner has not finished yet
func (m *LoadManager) Report(name string) *RunReport {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	return m.Reports[name]
}

// RunSuite runs all steps and waits for every runner to finish
func (m *LoadManager) RunSuite(ctx context.Context) error {
	t := timeNow()
	hrStartTime := timeHumanReadable(t, m.GeneratorConfig.Timezone)

	for _, step := range m.Steps {
		if ctx.Err() != nil {
			break
		}
		log.Infof("running step: %s, execution mode: %s", step.Name, step.ExecutionMode)
		switch step.ExecutionMode {
		case ParallelMode:
			var wg sync.WaitGroup
			wg.Add(len(step.Runners))
			for _, r := range step.Runners {
				go func(r *Runner) {
					defer wg.Done()
					m.storeReport(r, r.Run(ctx, nil))
				}(r)
			}
			wg.Wait()
		case SequenceMode:
			for _, r := range step.Runners {
				m.storeReport(r, r.Run(ctx, nil))
			}
		default:
			return fmt.Errorf("unknown execution mode %q of step %s, possible values are {%s,%s}",
				step.ExecutionMode, step.Name, SequenceMode, ParallelMode)
		}
	}
	log.Infof("test interval: %s - %s", hrStartTime, timeHumanReadable(timeNow(), m.GeneratorConfig.Timezone))
	m.Shutdown()
	return nil
}

// StoreHandleReports stores report for every handle in suite
func (m *LoadManager) StoreHandleReports() error {
	if m.ReportDir == "" {
		return nil
	}
	if err := createDirIfNotExists(m.ReportDir); err != nil {
		return err
	}
	ts := time.Now().Unix()
	failed := m.Failed()
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	for handleName, r := range m.Reports {
		b, err := json.MarshalIndent(r, "", "    ")
		if err != nil {
			return err
		}
		repPath := filepath.Join(m.ReportDir, fmt.Sprintf(ReportFileTmpl, handleName, ts))
		log.Infof("writing report for handle [%s] in %s", handleName, repPath)
		if err := os.WriteFile(repPath, b, 0644); err != nil {
			return err
		}
		if !m.Degradation && !failed && !r.Failed {
			if err := m.WriteLastSuccess(handleName, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteLastSuccess writes ts of last successful run for handle
func (m *LoadManager) WriteLastSuccess(handleName string, ts int64) error {
	lastSuccessFile := filepath.Join(m.ReportDir, handleName+"_last")
	return os.WriteFile(lastSuccessFile, []byte(strconv.FormatInt(ts, 10)), 0644)
}

// CheckErrors marks the suite failed if any handle has request errors
func (m *LoadManager) CheckErrors() {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	for handleName, currentReport := range m.Reports {
		for label, metrics := range currentReport.Metrics {
			if len(metrics.Errors) > 0 {
				log.Infof("handle [%s] label [%s] has errors: %v", handleName, label, metrics.Errors)
				m.markFailed()
			}
		}
	}
}

// CheckDegradation compares trends median to the last successful run stored in *handle_name*_last file
func (m *LoadManager) CheckDegradation() error {
	if m.ReportDir == "" {
		return nil
	}
	handleThreshold := m.GeneratorConfig.Checks.HandleThresholdPercent
	if handleThreshold <= 0 {
		return nil
	}
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	for handleName, currentReport := range m.Reports {
		lastReport, err := m.LastSuccessReportForHandle(handleName)
		if errors.Is(err, os.ErrNotExist) {
			log.Infof("nothing to compare for %s handle, no reports in %s", handleName, m.ReportDir)
			continue
		}
		if err != nil {
			return err
		}
		for trendName, current := range currentReport.Trends {
			last, ok := lastReport.Trends[trendName]
			if !ok || last.Med == 0 {
				continue
			}
			ratio := current.Med / last.Med
			log.Infof("[ %s:%s ] current: %.2fms, last: %.2fms, ratio: %.2f", handleName, trendName, current.Med, last.Med, ratio)
			if ratio >= handleThreshold {
				log.Infof("p50 degradation of %s trend of %s handle: %.2fms > %.2fms", trendName, handleName, current.Med, last.Med)
				m.Degradation = true
			}
		}
	}
	return nil
}

// LastSuccessReportForHandle gets last successful report for a handle
func (m *LoadManager) LastSuccessReportForHandle(handleName string) (*RunReport, error) {
	lastTs, err := os.ReadFile(filepath.Join(m.ReportDir, handleName+"_last"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.ReportDir, fmt.Sprintf("%s-%s.json", handleName, strings.TrimSpace(string(lastTs)))))
	if err != nil {
		return nil, fmt.Errorf("last success report of %s: %w", handleName, err)
	}
	var runReport RunReport
	if err := json.Unmarshal(data, &runReport); err != nil {
		return nil, fmt.Errorf("bad report of %s: %w", handleName, err)
	}
	return &runReport, nil
}
