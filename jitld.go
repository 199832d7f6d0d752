package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/utils"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "jitld",
	Short:         "Assemble, JIT link and inspect objects for x86_64, aarch64 and riscv64",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
		if err != nil {
			return err
		}
		switch colorFlag {
		case "on":
			color.NoColor = false
		case "off":
			color.NoColor = true
		case "auto":
			color.NoColor = !isTerminal(os.Stdout)
		default:
			return fmt.Errorf("unknown --color value %q (must be auto, on or off)", colorFlag)
		}

		verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return err
		}
		logger, err := newLogger(verbose)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)

		mc.InitializeAllTargets()
		return nil
	},
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func main() {
	rootCmd.Version = version

	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(asmCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(checkCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log every link phase")

	err := rootCmd.Execute()
	_ = zap.L().Sync()
	if err != nil {
		utils.Fatal(err)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
