package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/i5heu/nodestore"
	"github.com/i5heu/nodestore/internal/config"
	"github.com/i5heu/nodestore/pkg/nodeerr"
	"github.com/i5heu/nodestore/pkg/perms"
)

var version = "dev"

var (
	cfgFile string
	cfg     config.Config
	caller  string
)

var rootCmd = &cobra.Command{
	Use:               "nodestore",
	Short:             "Schema validated, versioned node documents",
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./"+config.DefaultFile+")")
	flags.String("working-dir", "", "directory holding namespaces/")
	flags.String("data", "", "data directory of the document store")
	flags.Bool("in-memory", false, "keep the document store in memory")
	flags.Int("port", 0, "port used in node locations")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&caller, "as", "", "caller identity used for permission checks")
}

// loadConfig reads the config file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("working-dir") {
		c.WorkingDir, _ = flags.GetString("working-dir")
	}
	if flags.Changed("data") {
		c.DataPath, _ = flags.GetString("data")
	}
	if flags.Changed("in-memory") {
		c.InMemory, _ = flags.GetBool("in-memory")
	}
	if flags.Changed("port") {
		c.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}
	cfg = c
	return nil
}

func storeConfig() (nodestore.Config, error) {
	log, err := cfg.NewLogger()
	if err != nil {
		return nodestore.Config{}, err
	}
	return nodestore.Config{
		WorkingDir:                cfg.WorkingDir,
		Paths:                     []string{cfg.DataPath},
		MinimumFreeGB:             cfg.MinimumFreeGB,
		InMemory:                  cfg.InMemory,
		BaseURL:                   cfg.BaseURL,
		Port:                      cfg.Port,
		WatchSchemas:              cfg.WatchSchemas,
		Debounce:                  cfg.Debounce,
		Workers:                   cfg.Workers,
		GarbageCollectionInterval: cfg.GCInterval,
		Perms:                     perms.Policy{Admins: cfg.Admins, Groups: cfg.Groups},
		Logger:                    log,
	}, nil
}

// withStore opens the store for the duration of fn.
func withStore(ctx context.Context, fn func(*nodestore.NodeStore) error) (err error) {
	conf, err := storeConfig()
	if err != nil {
		return err
	}
	conf.WatchSchemas = false
	conf.GarbageCollectionInterval = 0

	ns, err := nodestore.New(conf)
	if err != nil {
		return err
	}
	if err := ns.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := ns.Close(context.Background()); err == nil {
			err = cerr
		}
	}()
	return describe(fn(ns))
}

// describe prefixes engine errors with their status class.
func describe(err error) error {
	if err == nil || !nodeerr.Known(err) {
		return err
	}
	return fmt.Errorf("%d: %s", nodeerr.StatusOf(err), nodeerr.Message(err))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
