package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

func newRollbackCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback [version]",
		Short: "Roll back to the last stored version, or to a specific version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if len(args) == 0 {
				return s.Rollback()
			}
			v, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return s.RollbackTo(v)
		},
	}
}
