package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "loqa-voicectl",
	Short: "Inspect and refresh the local voice catalog",
	Long: `loqa-voicectl works on the same snapshot, provider and history as the
loqa-voices daemon, using the daemon's configuration file and LOQA_* variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(newLoadCmd())
	rootCmd.AddCommand(newUpdateCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newNamesCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "loqa-voicectl: %v\n", err)
		os.Exit(1)
	}
}
