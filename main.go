package main

import (
	"log"
	"os"

	"smart_bays/internal/config"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:           "smart-bays",
		Short:         "Smart bays booking and billing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
		},
	}
	cfgFn := func() *config.Config { return cfg }

	cmd.AddCommand(newServeCommand(cfgFn))
	cmd.AddCommand(newMigrateCommand(cfgFn))
	cmd.AddCommand(newSeedCommand(cfgFn))
	cmd.AddCommand(newTokenCommand(cfgFn))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Printf("smart-bays: %v", err)
		os.Exit(1)
	}
}
