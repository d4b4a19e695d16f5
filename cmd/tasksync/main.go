package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tasksync/pkg/config"
)

var Version = "dev"

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:           "tasksync",
		Short:         "Paginated, optimistic, realtime task lists against the task service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.env, "env", config.GetConfigEnv(), "config environment (base.yaml + <env>.yaml)")
	pf.StringVar(&opts.configDir, "config-dir", config.GetEnv("CONFIG_DIR", "config"), "config directory")
	pf.StringVar(&opts.serviceURL, "service-url", "", "task service base URL (overrides config)")
	pf.StringVar(&opts.token, "token", "", "bearer token (overrides config and TASKSYNC_TOKEN)")
	pf.StringVar(&opts.username, "username", "", "display name used for submissions")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(listCmd(&opts))
	rootCmd.AddCommand(watchCmd(&opts))
	rootCmd.AddCommand(createCmd(&opts))
	rootCmd.AddCommand(updateCmd(&opts))
	rootCmd.AddCommand(deleteCmd(&opts))
	rootCmd.AddCommand(contentCmd(&opts))
	rootCmd.AddCommand(actionCmds(&opts)...)
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
