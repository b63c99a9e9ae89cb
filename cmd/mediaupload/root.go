package main

import (
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"

	"github.com/reelcut/mediaupload/stepconf"
)

type commandContext struct {
	verbose bool
	logger  log.Logger
	inputs  stepconf.InputParser
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{
		logger: log.NewLogger(),
		inputs: stepconf.NewInputParser(env.NewRepository()),
	}

	rootCmd := &cobra.Command{
		Use:           "mediaupload",
		Short:         "Chunked media uploads to S3-compatible storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx.logger.EnableDebugLog(ctx.verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newDeleteFolderCommand(ctx))

	return rootCmd
}
