// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/Fraunhofer-AISEC/attestbench/benchmark"
	"github.com/Fraunhofer-AISEC/attestbench/lifecycle"
	"github.com/Fraunhofer-AISEC/attestbench/publish"
	"github.com/Fraunhofer-AISEC/attestbench/store"
)

const (
	saveQuoteFlag  = "save-quote"
	reportDataFlag = "report-data"
)

func main() {
	cmd := &cli.Command{
		Name:    "attestbench",
		Usage:   "Benchmark SGX report generation, quoting and enclave lifecycle operations",
		Version: getVersion(),
		Flags:   getFlags(),
		Commands: []*cli.Command{
			runCommand("report", "benchmark report generation and quote preparation", benchmark.PlanReport),
			runCommand("quote", "benchmark report to quote conversion and decode one quote", benchmark.PlanQuote),
			runCommand("lifecycle", "benchmark enclave creation and destruction", benchmark.PlanLifecycle),
			runCommand("all", "run all benchmark phases", benchmark.PlanAll),
			inspectCommand,
			showCommand,
			historyCommand,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runBenchmark(cmd, benchmark.PlanAll)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func runCommand(name, usage string, plan benchmark.Plan) *cli.Command {
	cmd := &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "[iterations]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runBenchmark(cmd, plan)
		},
	}
	if plan.Quote {
		cmd.Flags = []cli.Flag{
			&cli.StringFlag{
				Name:  saveQuoteFlag,
				Usage: "write the decoded quote to file, its report data to <file>.reportdata",
			},
		}
	}
	return cmd
}

func runBenchmark(cmd *cli.Command, plan benchmark.Plan) error {

	c, err := getConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Infof("Starting attestbench %v", getVersion())

	p, q, err := getPlatform(c)
	if err != nil {
		return err
	}

	m, err := lifecycle.NewManager(p, lifecycle.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to create lifecycle manager: %w", err)
	}

	d := &benchmark.Driver{
		Manager:            m,
		Quoter:             q,
		Image:              c.Image,
		Debug:              c.Debug,
		Iterations:         c.Iterations,
		CreationIterations: c.CreationIterations,
	}
	if c.CustomData != "" {
		d.CustomData = []byte(c.CustomData)
	}

	res, err := d.Run(plan)
	if err != nil {
		for _, h := range benchmark.Hints(err) {
			log.Warnf("Hint: %v", h)
		}
		return fmt.Errorf("benchmark failed: %w", err)
	}

	benchmark.WriteSummary(os.Stdout, res)

	if file := cmd.String(saveQuoteFlag); file != "" && res.Quote != nil {
		err = publish.SaveQuote(file, file+".reportdata", res.Quote.Raw, []byte(benchmark.DetailedQuoteData))
		if err != nil {
			return err
		}
	}

	if c.Database != "" {
		db, err := store.Open(c.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		err = db.Save(res)
		if err != nil {
			return fmt.Errorf("failed to store results: %w", err)
		}
		log.Debugf("Stored run %v in %v", res.RunID, c.Database)
	}

	err = publish.PublishResults(c.Publish, c.Output, res, c.serializer)
	if err != nil {
		return err
	}

	if !res.Succeeded() {
		return cli.Exit("benchmark failed: at least one phase had no successful iteration", 1)
	}
	return nil
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "decode a quote file",
	ArgsUsage: "<quote-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  reportDataFlag,
			Usage: "file with the report data the quote is expected to carry",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if !cmd.Args().Present() {
			return cli.ShowSubcommandHelp(cmd)
		}

		quote, data, err := publish.LoadQuote(cmd.Args().First(), cmd.String(reportDataFlag))
		if err != nil {
			return err
		}
		info, err := benchmark.DescribeQuote(quote, data)
		if err != nil {
			return err
		}

		benchmark.WriteSummary(os.Stdout, &benchmark.Results{Quote: info})
		if data != nil && !info.ReportDataMatches {
			return cli.Exit("report data does not match", 1)
		}
		return nil
	},
}

var showCommand = &cli.Command{
	Name:      "show",
	Usage:     "print the summary of a JSON or CBOR results file",
	ArgsUsage: "<results-file>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if !cmd.Args().Present() {
			return cli.ShowSubcommandHelp(cmd)
		}

		res, err := publish.LoadResults(cmd.Args().First())
		if err != nil {
			return err
		}

		benchmark.WriteSummary(os.Stdout, res)
		if !res.Succeeded() {
			return cli.Exit("benchmark failed: at least one phase had no successful iteration", 1)
		}
		return nil
	},
}

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "list the runs recorded in the database",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if c.Database == "" {
			return fmt.Errorf("no database configured")
		}

		db, err := store.Open(c.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.Runs()
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Printf("%v  %-30v  %-8v %-12v %5v  %v\n", r.Id, r.Started, r.Platform, r.Quoter, r.Iterations, r.Status)
		}

		if len(runs) > 0 {
			latest, err := db.LatestRun(runs[0].Platform)
			if err != nil {
				return err
			}
			fmt.Println()
			benchmark.WriteSummary(os.Stdout, latest.Result)
		}
		return nil
	},
}

func getVersion() string {
	version := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		if strings.EqualFold(info.Main.Version, "(devel)") {
			commit := "unknown"
			for _, elem := range info.Settings {
				if strings.EqualFold(elem.Key, "vcs.revision") {
					commit = elem.Value
				}
			}
			version = fmt.Sprintf("%v-%v", info.Main.Version, commit)
		} else {
			version = info.Main.Version
		}
	}
	return version
}
