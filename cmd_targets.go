package main

import (
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/ksco/jitld/pkg/mc"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the registered targets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := mc.Targets()
		width := 0
		for _, t := range targets {
			width = max(width, runewidth.StringWidth(t.Name))
		}
		for _, t := range targets {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", runewidth.FillRight(t.Name, width), t.Description)
		}
		return nil
	},
}
