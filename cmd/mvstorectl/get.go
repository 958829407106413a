package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newGetCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get <map> <key>",
		Short: "Look up a key in a map",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if !s.HasMap(args[0]) {
				return fmt.Errorf("map %q does not exist", args[0])
			}
			mm, err := s.OpenMap(args[0])
			if err != nil {
				return err
			}
			value, ok := mm.Get(args[1])
			if !ok {
				return fmt.Errorf("key %q not found", args[1])
			}
			fmt.Println(value)
			return nil
		},
	}
}
