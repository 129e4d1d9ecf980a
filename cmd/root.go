package cmd

import (
	"github.com/spf13/cobra"
	"worker-tracker/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "live broadcast tracking worker",
	}
	rootCmd.AddCommand(server(config), check(config))
	return rootCmd
}
