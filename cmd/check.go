package cmd

import (
	"github.com/spf13/cobra"
	"worker-tracker/config"
	server2 "worker-tracker/server"
)

func check(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check <username>",
		Short: "check whether a broadcaster is live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunCheck(config, args[0], cmd.OutOrStdout())
		},
	}
}
