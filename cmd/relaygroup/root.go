package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaygroup/internal/config"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relaygroup",
		Short:         "Bridge a paired messaging session to one destination group",
		Long:          "relaygroup keeps a messaging gateway session alive, remembers one destination group in a durable store, and exposes send/status operations over HTTP. Without a subcommand it runs the server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", "", "optional config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("api-url", "", "server base url for client commands")
	rootCmd.PersistentFlags().String("secret-key", "", "shared secret for mutating operations")
	addServeFlags(rootCmd.Flags())
	rootCmd.RunE = runServe

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newSendCmd(),
		newDestinationsCmd(),
		newSetDestinationCmd(),
		newReconnectCmd(),
		newDisconnectCmd(),
		newHistoryCmd(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(configFile, cmd.Flags())
}

func addServeFlags(flags *pflag.FlagSet) {
	flags.String("addr", ":8080", "listen address")
	flags.String("data-dir", ".relaygroup", "directory for the default sqlite store and credentials")
	flags.String("database-dsn", "", "store DSN (postgres://..., sqlite path, memory://)")
	flags.String("gateway-url", "", "messaging gateway websocket url")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format (text or json)")
}
