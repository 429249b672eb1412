package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newClinicalCommand(ctx *commandContext) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "clinical",
		Short: "Sync clinical CSV exports to the DMS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, ctx, "clinical", flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func newDICOMCommand(ctx *commandContext) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "dicom",
		Short: "Archive DICOM studies and register imaging sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, ctx, "dicom", flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func newBIDSCommand(ctx *commandContext) *cobra.Command {
	bidsCmd := &cobra.Command{
		Use:   "bids",
		Short: "BIDS dataset pipelines",
	}

	participantsFlags := &runFlags{}
	participantsCmd := &cobra.Command{
		Use:   "participants",
		Short: "Register BIDS participants as DMS subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, ctx, "bids-participants", participantsFlags)
		},
	}
	participantsFlags.register(participantsCmd)

	reidFlags := &runFlags{}
	reidCmd := &cobra.Command{
		Use:   "reid",
		Short: "Write reidentified dataset copies keyed by internal ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, ctx, "bids-reid", reidFlags)
		},
	}
	reidFlags.register(reidCmd)

	bidsCmd.AddCommand(participantsCmd)
	bidsCmd.AddCommand(reidCmd)
	return bidsCmd
}

func newAllCommand(ctx *commandContext) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run every pipeline in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := flags.scope()
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var failed []string
			for _, name := range pipelineNames {
				rep, err := runPipeline(cmd.Context(), cmd.OutOrStdout(), cfg, runRequest{
					pipeline: name,
					scope:    scope,
					dryRun:   flags.dryRun,
					force:    flags.force,
				})
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				if rep.HasFailures() {
					failed = append(failed, fmt.Sprintf("%s (%d)", name, rep.Summary().Failed))
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("units failed in %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
