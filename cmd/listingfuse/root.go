package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/listingfuse/internal/config"
)

var (
	flagConfig   string
	flagNodeID   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "listingfuse",
	Short: "Multi-source listing-event fusion pipeline",
	Long: `listingfuse consumes raw listing signals from the shared bus, fuses
them into scored deduplicated events, and routes high-confidence
events to execution and notification streams.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	flags.StringVar(&flagNodeID, "node-id", "", "override node id (defaults to hostname)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "zerolog level: debug|info|warn|error")
	pflag.CommandLine.AddFlagSet(flags)

	rootCmd.AddCommand(fuseCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the effective configuration for a subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagNodeID != "" {
		cfg.NodeID = flagNodeID
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the listingfuse version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("listingfuse %s\n", cfg.Version)
		return nil
	},
}
