package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/i5heu/nodestore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store, watch schema files and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watch, _ := cmd.Flags().GetBool("watch"); cmd.Flags().Changed("watch") {
			cfg.WatchSchemas = watch
		}
		conf, err := storeConfig()
		if err != nil {
			return err
		}
		ns, err := nodestore.New(conf)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return ns.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().Bool("watch", false, "reload schema files when they change, overrides watchSchemas")
	rootCmd.AddCommand(serveCmd)
}
