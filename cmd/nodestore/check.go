package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i5heu/nodestore/pkg/schema"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load every namespace and list its schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry(cmd)
		if err != nil {
			return err
		}
		namespaces := registry.Namespaces()
		if len(namespaces) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no namespaces below %s\n", cfg.WorkingDir)
			return nil
		}
		for _, ns := range namespaces {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n  types: %s\n  aux:   %s\n", ns,
				strings.Join(registry.NodeTypes(ns), ", "),
				strings.Join(registry.AuxiliaryIDs(ns), ", "))
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <ns> <node_type> <meta.json>",
	Short: "Validate a meta document against a node type schema",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry(cmd)
		if err != nil {
			return err
		}
		if !registry.HasNamespace(args[0]) {
			return fmt.Errorf("unknown namespace %q", args[0])
		}
		meta, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		report, err := registry.Validate(args[0], args[1], meta)
		if err != nil {
			return err
		}
		if report == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "no schema for %s/%s\n", args[0], args[1])
			return nil
		}
		if !report.Valid() {
			return printJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	},
}

func loadRegistry(cmd *cobra.Command) (*schema.Registry, error) {
	log, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	namespaces, err := schema.ListNamespaces(cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	registry := schema.NewRegistry(schema.Config{WorkingDir: cfg.WorkingDir, Logger: log})
	if err := registry.LoadAll(cmd.Context(), namespaces); err != nil {
		return nil, err
	}
	return registry, nil
}

func init() {
	rootCmd.AddCommand(checkCmd, validateCmd)
}
