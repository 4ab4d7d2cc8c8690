package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "chatstream",
		Short:         "Chat streaming broker",
		Long:          "chatstream accepts chat requests over HTTP, generates replies on queue workers and streams them back over Server-Sent Events.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(modeServe, &envFile))
	cmd.AddCommand(newRunCmd(modeWork, &envFile))
	cmd.AddCommand(newRunCmd(modeAll, &envFile))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatstream %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
