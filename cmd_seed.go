package main

import (
	"fmt"
	"log"

	"smart_bays/internal/config"

	"github.com/spf13/cobra"
)

func newSeedCommand(cfg func() *config.Config) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Provision bays from the catalog file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if file == "" {
				file = c.BaysFile
			}
			catalog, err := config.LoadCatalog(file)
			if err != nil {
				return err
			}
			h, err := openStore(c)
			if err != nil {
				return err
			}
			defer h.close()
			n, err := seedBays(cmd.Context(), h.store, catalog)
			if err != nil {
				return err
			}
			log.Printf("Seed: %d of %d bays created from %s", n, len(catalog.Bays), file)
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog file (defaults to BAYS_FILE)")
	return cmd
}
