// Package main provides the onboard binary: an MCP server that lets an agent
// drive the onboarding workflow, plus config and journal inspection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/pkg/mcp"
	"github.com/rendis/onboard/pkg/onboard"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "onboard",
		Short:         "Onboarding workflow coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", settingsPath(), "Settings file (YAML)")

	cmd.AddCommand(
		mcpCmd(&configPath),
		configCmd(&configPath),
		journalCmd(&configPath),
		vacuumCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func mcpCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the onboarding tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	settings, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	var level slog.LevelVar
	level.Set(logging.ParseLevel(settings.LogLevel))
	// stdout carries the MCP protocol.
	logger := logging.NewWithLeveler(os.Stderr, &level)
	slog.SetDefault(logger)

	ob, err := onboard.New(ctx, settings, onboard.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ob.Close()

	go watchReload(ctx, configPath, settings, &level, logger)

	logger.Info("onboard mcp server starting", slog.String("version", version))
	srv := mcp.NewServer(mcp.ServerDeps{Coordinator: ob, Journal: ob, Logger: logger})
	return srv.Serve(ctx)
}

// watchReload re-reads settings on SIGHUP. The log level applies at once;
// anything else is reported as needing a restart.
func watchReload(ctx context.Context, configPath string, current onboard.Settings, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := loadSettings(configPath)
		if err != nil {
			logger.Warn("reload settings", slog.String("error", err.Error()))
			continue
		}
		diff := diffSettings(current, next)
		if diff.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(diff.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", diff.RestartNeeded))
		}
		current.LogLevel = next.LogLevel
	}
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), settings)
		},
	}
}

func printSettings(w io.Writer, s onboard.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

func journalCmd(configPath *string) *cobra.Command {
	var (
		limit     int
		eventType string
	)
	cmd := &cobra.Command{
		Use:   "journal [workflow-id]",
		Short: "List recent workflows, replay one, or list events of one type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return err
			}
			j, err := openJournal(cmd.Context(), settings.DBPath)
			if err != nil {
				return err
			}
			defer j.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if eventType != "" {
				filter := store.EventFilter{Limit: limit}
				if len(args) == 1 {
					filter.WorkflowID = args[0]
				}
				events, err := j.store.GetEventsByType(cmd.Context(), eventType, filter)
				if err != nil {
					return err
				}
				return enc.Encode(events)
			}
			if len(args) == 0 {
				ids, err := j.store.ListWorkflowIDs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return enc.Encode(ids)
			}
			journey, err := j.events.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return enc.Encode(journey)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Workflows or events to list")
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "List events of this type, e.g. step_failed")
	return cmd
}

func vacuumCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(*configPath)
			if err != nil {
				return err
			}
			j, err := openJournal(cmd.Context(), settings.DBPath)
			if err != nil {
				return err
			}
			defer j.Close()
			return j.store.Vacuum(cmd.Context())
		},
	}
}
