package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ksco/jitld/pkg/suite"
)

var checkJobs int

func init() {
	checkCmd.Flags().IntVarP(&checkJobs, "jobs", "j", 0, "cases to run in parallel (default: GOMAXPROCS)")
}

var checkCmd = &cobra.Command{
	Use:   "check MANIFEST.toml",
	Short: "Run the link test cases described in a TOML manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := suite.Load(args[0])
		if err != nil {
			return err
		}
		results, err := suite.Run(cmd.Context(), m, checkJobs, suite.WithLogger(zap.L()))
		if err != nil {
			return err
		}

		labels := map[suite.Status]string{
			suite.StatusPass: color.New(color.FgGreen, color.Bold).Sprint("PASS"),
			suite.StatusFail: color.New(color.FgRed, color.Bold).Sprint("FAIL"),
			suite.StatusSkip: color.New(color.FgYellow, color.Bold).Sprint("SKIP"),
		}
		counts := map[suite.Status]int{}
		out := cmd.OutOrStdout()
		for _, r := range results {
			counts[r.Status]++
			fmt.Fprintf(out, "%s %s (%s)\n", labels[r.Status], r.Name, r.Duration.Round(time.Microsecond))
			for _, msg := range r.Messages {
				fmt.Fprintf(out, "    %s\n", msg)
			}
		}
		fmt.Fprintf(out, "\n%d passed, %d failed, %d skipped\n",
			counts[suite.StatusPass], counts[suite.StatusFail], counts[suite.StatusSkip])
		if counts[suite.StatusFail] > 0 {
			return fmt.Errorf("%d of %d cases failed", counts[suite.StatusFail], len(results))
		}
		return nil
	},
}
