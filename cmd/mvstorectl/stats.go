package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newStatsCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print chunk table and version summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			fmt.Printf("current version: %d\n", s.GetCurrentVersion())
			fmt.Printf("last stored version: %d\n", s.GetLastStoredVersion())
			for _, name := range s.GetMapNames() {
				fmt.Printf("map: %s\n", name)
			}
			return nil
		},
	}
}
