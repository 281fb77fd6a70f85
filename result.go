package kvload

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

type result struct {
	begin, end time.Time
	elapsed    time.Duration
	doResult   DoResult
}

// DoResult is the return value of a Do call on an Attack.
type DoResult struct {
	// Label identifying the request that was send which is only used for reporting the Metrics.
	RequestLabel string
	// The error that happened when sending the request or receiving the response.
	Error error
	// The HTTP status code.
	StatusCode int
	// Number of bytes transferred when sending the request.
	BytesIn int64
	// Number of bytes transferred when receiving the response.
	BytesOut int64
}

// RunReport is a composition of configuration, measurements and custom output from a loadtest Run.
type RunReport struct {
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`
	Configuration RunnerConfig `json:"configuration"`
	// RunError is set when a Run could not be called or executed.
	RunError string              `json:"runError"`
	Metrics  map[string]*Metrics `json:"metrics"`
	// Trends summaries of every trend recorded during the run
	Trends map[string]TrendSummary `json:"trends"`
	// Checks pass/fail counters per check name
	Checks map[string]CheckResult `json:"checks"`
	// Iterations total number of finished iterations
	Iterations int64 `json:"iterations"`
	// Failed is set by a stop_if check or by your loadtest program to indicate that the results are not acceptable.
	Failed bool `json:"failed"`
	// Output is used to publish any custom output in the report.
	Output map[string]interface{} `json:"output"`
}

// NewErrorReport returns a report when a Run could not be called or executed.
func NewErrorReport(err error, config RunnerConfig) RunReport {
	return RunReport{
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
		RunError:      err.Error(),
		Configuration: config,
		Failed:        true, // clearly the Run was not acceptable
		Output:        map[string]interface{}{},
	}
}

// maskSecrets makes secrets in Metadata unreadable
func (r *RunReport) maskSecrets() {
	masked := make(map[string]string, len(r.Configuration.Metadata))
	for k, v := range r.Configuration.Metadata {
		if strings.HasSuffix(k, "*") {
			v = "***---***---***"
		}
		masked[k] = v
	}
	r.Configuration.Metadata = masked
}

// PrintReport writes the JSON report to the configured output file, or to w if none is configured.
func PrintReport(w io.Writer, r RunReport) error {
	r.maskSecrets()
	data, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if len(r.Configuration.OutputFilename) == 0 {
		_, err = w.Write(data)
		return err
	}
	if err := os.WriteFile(r.Configuration.OutputFilename, data, 0644); err != nil {
		return fmt.Errorf("unable to write report to %s: %w", r.Configuration.OutputFilename, err)
	}
	if r.Configuration.Verbose {
		_, err = w.Write(data)
	}
	return err
}

// CheckPassRate ratio of passed checks to all checks, 1 when nothing was checked
func (r RunReport) CheckPassRate() float64 {
	var passes, total int64
	for _, c := range r.Checks {
		passes += c.Passes
		total += c.Passes + c.Fails
	}
	if total == 0 {
		return 1
	}
	return float64(passes) / float64(total)
}

// WriteSummary writes human readable end of test summary
func WriteSummary(w io.Writer, r RunReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "handle: %s (%s, %d vus, %ds)\n",
		r.Configuration.HandleName, r.Configuration.Executor, r.Configuration.VUs, r.Configuration.DurationSec)
	if r.RunError != "" {
		fmt.Fprintf(tw, "run error: %s\n", r.RunError)
	}
	checkNames := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		checkNames = append(checkNames, name)
	}
	sort.Strings(checkNames)
	for _, name := range checkNames {
		c := r.Checks[name]
		mark := "✓"
		if c.Fails > 0 {
			mark = "✗"
		}
		fmt.Fprintf(tw, "  %s %s\t✓ %d\t✗ %d\n", mark, name, c.Passes, c.Fails)
	}
	fmt.Fprintf(tw, "  checks\t%.2f%%\n", r.CheckPassRate()*100)

	trendNames := make([]string, 0, len(r.Trends))
	for name := range r.Trends {
		trendNames = append(trendNames, name)
	}
	sort.Strings(trendNames)
	for _, name := range trendNames {
		s := r.Trends[name]
		fmt.Fprintf(tw, "  %s\tavg=%.2fms\tmin=%.2fms\tmed=%.2fms\tmax=%.2fms\tp(90)=%.2fms\tp(95)=%.2fms\tcount=%d\n",
			name, s.Avg, s.Min, s.Med, s.Max, s.P90, s.P95, s.Count)
	}
	fmt.Fprintf(tw, "  iterations\t%d\n", r.Iterations)
	if r.Failed {
		fmt.Fprintln(tw, "  result\tFAILED")
	}
	return tw.Flush()
}
