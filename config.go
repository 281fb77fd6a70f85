/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package kvload

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Executors
const (
	// ConstantVUsExecutor runs a fixed number of virtual users, each looping iterations back-to-back
	ConstantVUsExecutor = "constant-vus"
	// ConstantRateExecutor starts iterations at a fixed rate using a pool of virtual users
	ConstantRateExecutor = "constant-rate"
)

const (
	defaultVUs          = 1
	defaultDurationSec  = 10
	defaultDoTimeoutSec = 60
	defaultHTTPTimeout  = 60
)

// Prometheus prometheus config
type Prometheus struct {
	// URL prometheus base url
	URL string `mapstructure:"url"`
	// EnvLabel prometheus environment label
	EnvLabel string `mapstructure:"env_label"`
	// Namespace prometheus namespace
	Namespace string `mapstructure:"namespace"`
}

// GeneratorConfig describes the host the suite runs on and where telemetry goes
type GeneratorConfig struct {
	// Host current vm host configuration
	Host struct {
		// Name used in graphite metrics as prefix
		Name string `mapstructure:"name"`
		// NetworkIface default network interface to collect metrics from
		NetworkIface string `mapstructure:"network_iface"`
		// CollectMetrics collect host metrics flag
		CollectMetrics bool `mapstructure:"collect_metrics"`
	} `mapstructure:"host"`
	// Graphite related config
	Graphite struct {
		// URL graphite address, ex.: 0.0.0.0:2003
		URL string `mapstructure:"url"`
		// FlushIntervalSec flush interval in seconds
		FlushIntervalSec int `mapstructure:"flushDurationSec"`
		// LoadGeneratorPrefix prefix to be used in graphite metrics
		LoadGeneratorPrefix string `mapstructure:"loadGeneratorPrefix"`
	} `mapstructure:"graphite"`
	// Prometheus is used by prometheus stop_if checks
	Prometheus *Prometheus `mapstructure:"prometheus"`
	// Metrics exporter config
	Metrics struct {
		// Listen address of the /metrics endpoint, ex.: :9090, disabled if empty
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
	// ReportDir directory for json reports and last success markers
	ReportDir string `mapstructure:"report_dir"`
	// Timezone timezone used for human readable test interval, ex.: Europe/Moscow
	Timezone string `mapstructure:"timezone"`
	// Checks suite level checks
	Checks struct {
		// HandleThresholdPercent ratio of current p50 to last successful p50 considered a degradation
		HandleThresholdPercent float64 `mapstructure:"handle_threshold_percent"`
	} `mapstructure:"checks"`
	// Logging logging related config
	Logging struct {
		// Level level of allowed log messages,ex.: debug | info
		Level string `mapstructure:"level"`
		// Encoding encoding of logs, ex.: console | json
		Encoding string `mapstructure:"encoding"`
		// File additional log output path
		File string `mapstructure:"file"`
	} `mapstructure:"logging"`
}

func generatorDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("graphite.flushDurationSec", 1)
	v.SetDefault("graphite.loadGeneratorPrefix", "kvload")
	v.SetDefault("report_dir", "reports")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("checks.handle_threshold_percent", 1.2)
}

// LoadGeneratorConfig reads generator yaml config, defaults are used when cfgPath is empty
func LoadGeneratorConfig(cfgPath string) (*GeneratorConfig, error) {
	v := viper.New()
	generatorDefaults(v)
	if cfgPath != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read generator config %s: %w", cfgPath, err)
		}
	}
	var genCfg GeneratorConfig
	if err := v.Unmarshal(&genCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generator config: %w", err)
	}
	if errs := genCfg.Validate(); len(errs) != 0 {
		return nil, fmt.Errorf("errors in generator config validation: %v", errs)
	}
	return &genCfg, nil
}

func (c *GeneratorConfig) Validate() (list []string) {
	if c.Host.CollectMetrics && c.Host.NetworkIface == "" {
		list = append(list, "host.network_iface must be set to collect host metrics")
	}
	if c.Prometheus != nil && c.Prometheus.URL == "" {
		list = append(list, "prometheus.url must be set when prometheus section is present")
	}
	if c.Graphite.FlushIntervalSec <= 0 {
		list = append(list, "graphite.flushDurationSec must be positive")
	}
	return
}

// SuiteConfig suite config
type SuiteConfig struct {
	// DumpTransport dumps request/response in logs
	DumpTransport bool `mapstructure:"dump_transport" yaml:"dump_transport"`
	// GoroutinesDump dump goroutines on exit signal
	GoroutinesDump bool `mapstructure:"goroutines_dump" yaml:"goroutines_dump"`
	// HttpTimeout default http client timeout in seconds
	HttpTimeout int `mapstructure:"http_timeout" yaml:"http_timeout"`
	// SamplesCSV path to write every trend sample to, disabled if empty
	SamplesCSV string `mapstructure:"samples_csv,omitempty" yaml:"samples_csv,omitempty"`
	// IterationsCSV path to the iteration log written by csv monitored attacks
	IterationsCSV string `mapstructure:"iterations_csv" yaml:"iterations_csv"`
	// Steps load test steps
	Steps []Step `mapstructure:"steps" yaml:"steps"`
}

// Step loadtest step config
type Step struct {
	// Name loadtest step name
	Name string `mapstructure:"name" yaml:"name"`
	// ExecutionMode handles execution mode: sequence, parallel
	ExecutionMode string `mapstructure:"execution_mode" yaml:"execution_mode"`
	// Handles handle configs
	Handles []RunnerConfig `mapstructure:"handles" yaml:"handles"`
}

// Checks stop criteria checks
type Checks struct {
	// Type error check mode, ex.: error | prometheus
	Type string `mapstructure:"type" yaml:"type"`
	// Query prometheus bool query
	Query string `mapstructure:"query" yaml:"query,omitempty"`
	// Threshold fail threshold, from 0 to 1, float
	Threshold float64 `mapstructure:"threshold" yaml:"threshold,omitempty"`
	// Interval check interval in seconds
	Interval int `mapstructure:"interval" yaml:"interval"`
}

// RunnerConfig runner config
type RunnerConfig struct {
	// WaitBeforeSec sleep before starting runner
	WaitBeforeSec int `mapstructure:"wait_before_sec" yaml:"wait_before_sec,omitempty"`
	// HandleName name of a handle, used to pick an attack from the factory
	HandleName string `mapstructure:"name" yaml:"name"`
	// Executor how iterations are scheduled: constant-vus | constant-rate
	Executor string `mapstructure:"executor" yaml:"executor"`
	// VUs virtual users for the constant-vus executor
	VUs int `mapstructure:"vus" yaml:"vus"`
	// DurationSec time of the test in seconds, ramp up included
	DurationSec int `mapstructure:"duration_sec" yaml:"duration_sec"`
	// RampUpTimeSec ramp up period in seconds
	RampUpTimeSec int `mapstructure:"ramp_up_sec" yaml:"ramp_up_sec,omitempty"`
	// RampUpStrategy ramp up strategy for constant-rate: linear | exp2
	RampUpStrategy string `mapstructure:"ramp_up_strategy" yaml:"ramp_up_strategy,omitempty"`
	// RPS iterations per second for constant-rate
	RPS int `mapstructure:"rps" yaml:"rps,omitempty"`
	// MaxVUs max amount of virtual users for constant-rate
	MaxVUs int `mapstructure:"max_vus" yaml:"max_vus,omitempty"`
	// OutputFilename report filename
	OutputFilename string `mapstructure:"outputFilename,omitempty" yaml:"outputFilename,omitempty"`
	// Verbose allows to print generator debug info
	Verbose bool `mapstructure:"verbose" yaml:"verbose"`
	// Metadata load run metadata, keys ending with * are masked in reports
	Metadata map[string]string `mapstructure:"metadata,omitempty" yaml:"metadata,omitempty"`
	// DoTimeoutSec attacker.Do() func timeout
	DoTimeoutSec int `mapstructure:"do_timeout_sec" yaml:"do_timeout_sec"`
	// HandleParams attack specific params, ex. set_url=http://localhost:8888/key
	HandleParams map[string]string `mapstructure:"handle_params,omitempty" yaml:"handle_params,omitempty"`
	// StopIf describes stop test criteria
	StopIf []Checks `mapstructure:"stop_if" yaml:"stop_if,omitempty"`
}

// Overrides command line values applied on top of every handle, zero values are ignored
type Overrides struct {
	VUs            int
	DurationSec    int
	Verbose        bool
	OutputFilename string
}

func (o Overrides) apply(c *RunnerConfig) {
	if o.VUs > 0 {
		c.VUs = o.VUs
	}
	if o.DurationSec > 0 {
		c.DurationSec = o.DurationSec
	}
	if o.Verbose {
		c.Verbose = true
	}
	if o.OutputFilename != "" {
		c.OutputFilename = o.OutputFilename
	}
}

// withDefaults fills unset fields
func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Executor == "" {
		c.Executor = ConstantVUsExecutor
	}
	if c.VUs == 0 {
		c.VUs = defaultVUs
	}
	if c.DurationSec == 0 {
		c.DurationSec = defaultDurationSec
	}
	if c.DoTimeoutSec == 0 {
		c.DoTimeoutSec = defaultDoTimeoutSec
	}
	if c.MaxVUs == 0 {
		c.MaxVUs = c.VUs
	}
	if c.RampUpStrategy == "" {
		c.RampUpStrategy = defaultRampupStrategy
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	if c.HandleParams == nil {
		c.HandleParams = map[string]string{}
	}
	return c
}

// Validate checks all settings and returns a list of strings with problems.
func (c RunnerConfig) Validate() (list []string) {
	if c.HandleName == "" {
		list = append(list, "please set the handle name")
	}
	if c.DurationSec < 1 {
		list = append(list, "please set the duration to a positive number of seconds")
	}
	if c.RampUpTimeSec < 0 || c.RampUpTimeSec >= c.DurationSec {
		list = append(list, "please set the ramp up time to a number of seconds less than the duration")
	}
	if c.DoTimeoutSec <= 0 {
		list = append(list, "please set the Do() timeout to a positive maximum number of seconds")
	}
	switch c.Executor {
	case ConstantVUsExecutor:
		if c.VUs <= 0 {
			list = append(list, "please set a positive number of virtual users")
		}
	case ConstantRateExecutor:
		if c.RPS <= 0 {
			list = append(list, "please set the RPS to a positive number")
		}
		if c.MaxVUs <= 0 {
			list = append(list, "please set a positive maximum number of virtual users")
		}
		if c.RampUpStrategy != linearRampupStrategy && c.RampUpStrategy != exp2RampupStrategy {
			list = append(list, fmt.Sprintf("unknown ramp up strategy %q, possible values are {linear,exp2}", c.RampUpStrategy))
		}
	default:
		list = append(list, fmt.Sprintf("unknown executor %q, possible values are {%s,%s}", c.Executor, ConstantVUsExecutor, ConstantRateExecutor))
	}
	for _, check := range c.StopIf {
		switch check.Type {
		case prometheusCheckType:
			if check.Query == "" {
				list = append(list, "prometheus stop_if check needs a query")
			}
		case errorRatioCheckType:
			if check.Threshold <= 0 || check.Threshold > 1 {
				list = append(list, "error stop_if check threshold must be in (0, 1]")
			}
		default:
			list = append(list, fmt.Sprintf("unknown stop_if check type %q", check.Type))
		}
		if check.Interval <= 0 {
			list = append(list, "stop_if check interval must be positive")
		}
	}
	return
}

// timeout is in seconds
func (c RunnerConfig) timeout() time.Duration {
	return time.Duration(c.DoTimeoutSec) * time.Second
}

func (c RunnerConfig) duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

// Param returns handle param or default
func (c RunnerConfig) Param(key, def string) string {
	if v, ok := c.HandleParams[key]; ok && v != "" {
		return v
	}
	return def
}

// DurationParam parses handle param as time.Duration
func (c RunnerConfig) DurationParam(key string, def time.Duration) (time.Duration, error) {
	v := c.Param(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("handle param %s: %w", key, err)
	}
	return d, nil
}

// IntParam parses handle param as int64
func (c RunnerConfig) IntParam(key string, def int64) (int64, error) {
	v := c.Param(key, "")
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("handle param %s: %w", key, err)
	}
	return i, nil
}

// LoadSuiteConfig loads yaml loadtest profile config
func LoadSuiteConfig(cfgPath string) (*SuiteConfig, error) {
	v := viper.New()
	v.SetDefault("http_timeout", defaultHTTPTimeout)
	v.SetDefault("iterations_csv", "result.csv")
	v.SetConfigType("yaml")
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read suite config %s: %w", cfgPath, err)
	}
	var suiteCfg SuiteConfig
	if err := v.Unmarshal(&suiteCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suite config: %w", err)
	}
	if len(suiteCfg.Steps) == 0 {
		return nil, fmt.Errorf("suite config %s has no steps", cfgPath)
	}
	for si := range suiteCfg.Steps {
		if len(suiteCfg.Steps[si].Handles) == 0 {
			return nil, fmt.Errorf("step %s of suite config %s has no handles", suiteCfg.Steps[si].Name, cfgPath)
		}
		if suiteCfg.Steps[si].ExecutionMode == "" {
			suiteCfg.Steps[si].ExecutionMode = SequenceMode
		}
		for hi := range suiteCfg.Steps[si].Handles {
			suiteCfg.Steps[si].Handles[hi] = suiteCfg.Steps[si].Handles[hi].withDefaults()
		}
	}
	return &suiteCfg, nil
}

// DefaultSuiteConfig single handle suite with the classic dkv profile: one virtual user for ten seconds
func DefaultSuiteConfig(handle string, params map[string]string) *SuiteConfig {
	return &SuiteConfig{
		HttpTimeout:   defaultHTTPTimeout,
		IterationsCSV: "result.csv",
		SamplesCSV:    "samples.csv",
		Steps: []Step{
			{
				Name:          "load",
				ExecutionMode: SequenceMode,
				Handles: []RunnerConfig{
					{
						HandleName:   handle,
						Executor:     ConstantVUsExecutor,
						VUs:          defaultVUs,
						DurationSec:  defaultDurationSec,
						DoTimeoutSec: defaultDoTimeoutSec,
						HandleParams: params,
					},
				},
			},
		},
	}
}
