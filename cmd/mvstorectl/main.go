// Command mvstorectl operates on an mvstore file directly: open, inspect,
// and mutate it without a running server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kluzzebass/mvstore/internal/logging"
	"github.com/kluzzebass/mvstore/internal/mvstore"
)

func main() {
	// Base handler allows every level through; ComponentFilterHandler does the
	// actual filtering per component, same split as cmd/gastrolog.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "mvstorectl",
		Short: "Inspect and operate on an mvstore file",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levels, _ := cmd.Flags().GetStringArray("component-level")
			for _, kv := range levels {
				component, level, err := parseComponentLevel(kv)
				if err != nil {
					return err
				}
				filterHandler.SetLevel(component, level)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringP("file", "f", "", "path to the store file (required)")
	rootCmd.PersistentFlags().Bool("read-only", false, "open the store read-only")
	rootCmd.PersistentFlags().StringArray("component-level", nil,
		"override the log level for one component, as component=level (repeatable)")

	rootCmd.AddCommand(
		newStatsCmd(logger),
		newPutCmd(logger),
		newGetCmd(logger),
		newCompactCmd(logger),
		newRollbackCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseComponentLevel parses a "component=level" flag value into a component
// name and an slog.Level (debug/info/warn/error, case-insensitive).
func parseComponentLevel(kv string) (string, slog.Level, error) {
	component, levelName, ok := strings.Cut(kv, "=")
	if !ok {
		return "", 0, fmt.Errorf("--component-level: %q must be component=level", kv)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return "", 0, fmt.Errorf("--component-level: %q: %w", kv, err)
	}
	return component, level, nil
}

func openFromFlags(cmd *cobra.Command, logger *slog.Logger) (*mvstore.Store, error) {
	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		return nil, fmt.Errorf("--file is required")
	}
	readOnly, _ := cmd.Flags().GetBool("read-only")
	return mvstore.Open(mvstore.Config{
		FileName: file,
		ReadOnly: readOnly,
		Logger:   logger,
	})
}
