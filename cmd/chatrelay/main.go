package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "chatrelay",
		Short:         "Websocket conversational relay with TTL-bound session memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE:  runServe, // serve.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [session-id]",
		Short: "Print a stored session record and its remaining TTL",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect, // inspect.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chatrelay", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (defaults to $APP_CONFIG_FILE)")

	inspectCmd.Flags().StringVar(&inspectAddr, "addr", "http://127.0.0.1:8080", "relay base URL for the debug endpoint")
	inspectCmd.Flags().StringVar(&inspectToken, "token", "", "debug token (defaults to APP_DEBUG_TOKEN from config)")
	inspectCmd.Flags().BoolVar(&inspectDirect, "direct", false, "read the session store directly instead of calling the server")

	rootCmd.AddCommand(serveCmd, inspectCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}
