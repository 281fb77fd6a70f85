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
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrSuiteFailed returned when any handle failed its checks or had errors
	ErrSuiteFailed = errors.New("suite failed")
	// ErrUnknownAttacker returned by attacker factories for unknown handle names
	ErrUnknownAttacker = errors.New("unknown attacker")
)

type AttackerFactory func(string) (Attack, error)

type AttackerChecksFactory func(string) RuntimeCheckFunc

type BeforeSuite func(config *GeneratorConfig) error
type AfterSuite func(config *GeneratorConfig) error

// RunOptions optional suite hooks and command line overrides
type RunOptions struct {
	BeforeSuite BeforeSuite
	AfterSuite  AfterSuite
	Overrides   Overrides
}

// Run default run mode for suite, with degradation checks
func Run(ctx context.Context, factory AttackerFactory, checksFactory AttackerChecksFactory, suiteCfg *SuiteConfig, genConfig *GeneratorConfig, opts RunOptions) error {
	lm, err := SuiteFromSteps(factory, checksFactory, suiteCfg, genConfig, opts.Overrides)
	if err != nil {
		return err
	}
	defer lm.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lm.HandleShutdownSignal(ctx, cancel)

	if genConfig.Host.CollectMetrics {
		log.Infof("starting host metrics monitor")
		NewHostOSMetrics(genConfig.Host.Name, genConfig.Host.NetworkIface).Watch(ctx, time.Second)
	}
	if genConfig.Metrics.Listen != "" {
		lm.Exporter = NewExporter()
		if err := lm.Exporter.Listen(genConfig.Metrics.Listen); err != nil {
			return fmt.Errorf("failed to start metrics exporter: %w", err)
		}
		defer lm.Exporter.Close()
	}
	if opts.BeforeSuite != nil {
		if err := opts.BeforeSuite(genConfig); err != nil {
			return fmt.Errorf("before suite func failed: %w", err)
		}
	}
	if err := lm.RunSuite(ctx); err != nil {
		return err
	}
	if opts.AfterSuite != nil {
		if err := opts.AfterSuite(genConfig); err != nil {
			return fmt.Errorf("after suite func failed: %w", err)
		}
	}
	for _, step := range lm.Steps {
		for _, r := range step.Runners {
			rep := lm.Report(r.ReportName())
			if rep == nil {
				continue
			}
			if err := WriteSummary(os.Stdout, *rep); err != nil {
				return err
			}
			if err := PrintReport(os.Stdout, *rep); err != nil {
				return err
			}
		}
	}
	lm.CheckErrors()
	if err := lm.CheckDegradation(); err != nil {
		return err
	}
	if err := lm.StoreHandleReports(); err != nil {
		return fmt.Errorf("failed to store reports: %w", err)
	}
	if lm.Failed() || lm.Degradation {
		return ErrSuiteFailed
	}
	return nil
}

// SuiteFromSteps create runners for every step
func SuiteFromSteps(factory AttackerFactory, checksFactory AttackerChecksFactory, cfg *SuiteConfig, genCfg *GeneratorConfig, o Overrides) (*LoadManager, error) {
	lm, err := NewLoadManager(cfg, genCfg)
	if err != nil {
		return nil, err
	}
	steps := make(map[string]bool, len(lm.SuiteConfig.Steps))
	for i, step := range lm.SuiteConfig.Steps {
		if step.Name == "" {
			step.Name = fmt.Sprintf("step%d", i+1)
		}
		if steps[step.Name] {
			lm.Shutdown()
			return nil, fmt.Errorf("step name %s is not unique", step.Name)
		}
		steps[step.Name] = true
		runners := make([]*Runner, 0, len(step.Handles))
		handles := make(map[string]bool, len(step.Handles))
		for _, handle := range step.Handles {
			if handles[handle.HandleName] {
				lm.Shutdown()
				return nil, fmt.Errorf("step %s: handle %s is listed twice", step.Name, handle.HandleName)
			}
			handles[handle.HandleName] = true
			o.apply(&handle)
			a, err := factory(handle.HandleName)
			if err != nil {
				lm.Shutdown()
				return nil, fmt.Errorf("step %s: %w", step.Name, err)
			}
			var check RuntimeCheckFunc
			if checksFactory != nil {
				check = checksFactory(handle.HandleName)
			}
			r, err := NewRunner(handle.HandleName, lm, a, check, handle)
			if err != nil {
				lm.Shutdown()
				return nil, err
			}
			r.step = step.Name
			runners = append(runners, r)
		}
		lm.Steps = append(lm.Steps, RunStep{
			Name:          step.Name,
			ExecutionMode: step.ExecutionMode,
			Runners:       runners,
		})
	}
	return lm, nil
}
