package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/skudasov/kvload"
	"github.com/skudasov/kvload/load"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

func defaultParams() map[string]string {
	return map[string]string{
		load.SetURLParam:          load.DefaultSetURL,
		load.GetURLParam:          load.DefaultGetURL,
		load.ReplicationWaitParam: load.DefaultReplicationWait.String(),
		load.ReadModeParam:        load.ReadModeWait,
	}
}

// suiteConfig loads suite from path, single dkv handle suite with defaults if path is empty
func suiteConfig(path string) (*kvload.SuiteConfig, error) {
	if path == "" {
		return kvload.DefaultSuiteConfig(load.DKVSetGetLabel, defaultParams()), nil
	}
	return kvload.LoadSuiteConfig(path)
}

// durationSec converts --duration override, handles run in whole seconds
func durationSec(d time.Duration) (int, error) {
	if d < 0 || d%time.Second != 0 {
		return 0, fmt.Errorf("duration must be a positive number of whole seconds, got %s", d)
	}
	return int(d / time.Second), nil
}

func firstHandle(suiteCfg *kvload.SuiteConfig) (kvload.RunnerConfig, error) {
	if len(suiteCfg.Steps) == 0 || len(suiteCfg.Steps[0].Handles) == 0 {
		return kvload.RunnerConfig{}, fmt.Errorf("usage: first step of the suite must have at least one handle")
	}
	return suiteCfg.Steps[0].Handles[0], nil
}

func setup(c *cli.Context) (*kvload.GeneratorConfig, error) {
	genCfg, err := kvload.LoadGeneratorConfig(c.String("gen_config"))
	if err != nil {
		return nil, err
	}
	if _, err := kvload.NewLogger(genCfg); err != nil {
		return nil, err
	}
	return genCfg, nil
}

func run(c *cli.Context) error {
	genCfg, err := setup(c)
	if err != nil {
		return err
	}
	suiteCfg, err := suiteConfig(c.Args().Get(0))
	if err != nil {
		return err
	}
	duration, err := durationSec(c.Duration("duration"))
	if err != nil {
		return err
	}
	err = kvload.Run(c.Context, load.AttackerFromName, load.CheckFromName, suiteCfg, genCfg, kvload.RunOptions{
		Overrides: kvload.Overrides{
			VUs:            c.Int("vus"),
			DurationSec:    duration,
			Verbose:        c.Bool("verbose"),
			OutputFilename: c.String("out"),
		},
	})
	if errors.Is(err, kvload.ErrSuiteFailed) {
		return cli.Exit(err.Error(), 1)
	}
	return err
}

func initSuite(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return fmt.Errorf("usage: provide path of suite config to create, ex.: suite.yaml")
	}
	data, err := yaml.Marshal(kvload.DefaultSuiteConfig(load.DKVSetGetLabel, defaultParams()))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	log.Printf("suite config written to %s", path)
	return nil
}

func plot(c *cli.Context) error {
	inputCSV := c.Args().Get(0)
	outputPNG := c.Args().Get(1)
	if inputCSV == "" || outputPNG == "" {
		return fmt.Errorf("usage: provide samples csv file, and png name, ex: samples.csv report.png")
	}
	return kvload.PlotSamples(inputCSV, outputPNG)
}

func probe(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	suiteCfg, err := suiteConfig(c.Args().Get(0))
	if err != nil {
		return err
	}
	handle, err := firstHandle(suiteCfg)
	if err != nil {
		return err
	}
	a, err := load.AttackerFromName(handle.HandleName)
	if err != nil {
		return err
	}
	r, err := kvload.NewRunner(handle.HandleName, nil, a, nil, handle)
	if err != nil {
		return err
	}
	results, err := r.Probe(c.Context, c.Int("count"))
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Error != nil {
			return cli.Exit(fmt.Sprintf("probe failed: %s", res.Error), 1)
		}
	}
	for name, check := range r.CheckResults() {
		log.Printf("%s: passes %d, fails %d", name, check.Passes, check.Fails)
	}
	return nil
}

func main() {
	genConfigFlag := &cli.StringFlag{
		Name:  "gen_config",
		Usage: "generator config filepath, defaults are used if empty",
	}
	app := &cli.App{
		Name:  "loadcli",
		Usage: "dkv set/get load generator",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Aliases:   []string{"r"},
				Usage:     "run load test suite, single dkv handle for 10s with 1 vu if no suite config given",
				ArgsUsage: "[suite.yaml]",
				Flags: []cli.Flag{
					genConfigFlag,
					&cli.IntFlag{Name: "vus", Usage: "override virtual users of every handle"},
					&cli.DurationFlag{Name: "duration", Usage: "override duration of every handle, ex.: 30s"},
					&cli.BoolFlag{Name: "verbose", Usage: "print generator debug info"},
					&cli.StringFlag{Name: "out", Usage: "write json report to file"},
				},
				Action: run,
			},
			{
				Name:      "init",
				Aliases:   []string{"i"},
				Usage:     "write default suite config",
				ArgsUsage: "<suite.yaml>",
				Action:    initSuite,
			},
			{
				Name:      "plot",
				Aliases:   []string{"p"},
				Usage:     "plot trend samples",
				ArgsUsage: "<samples.csv> <out.png>",
				Action:    plot,
			},
			{
				Name:      "probe",
				Usage:     "perform a few iterations of the first handle and print the results",
				ArgsUsage: "[suite.yaml]",
				Flags: []cli.Flag{
					genConfigFlag,
					&cli.IntFlag{Name: "count", Value: 1, Usage: "amount of iterations"},
				},
				Action: probe,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
