package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via -ldflags "-X main.Version=..." at release build
// time; it defaults to "dev" for local builds.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "yamc",
	Short:   "Yet another metric collector",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().Bool("no-ansi", false, "Disable ANSI color codes in log output")
	rootCmd.PersistentFlags().Bool("debug", false, "Run with DEBUG log level regardless of the configuration file")
	rootCmd.AddCommand(runCmd)
}
