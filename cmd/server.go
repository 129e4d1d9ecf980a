package cmd

import (
	"github.com/spf13/cobra"
	"worker-tracker/config"
	server2 "worker-tracker/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and track command consumer",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
