package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"intake/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, tracker, DMS, and mail settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			results := preflight.RunAll(cmd.Context(), cfg)
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, result := range results {
				kind := statusOK
				if !result.Passed {
					kind = statusFail
				}
				fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}

			if !preflight.AllPassed(results) {
				return errors.New("preflight found problems")
			}
			return nil
		},
	}
}
