package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newPutCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <map> <key> <value>",
		Short: "Set a key in a map and commit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			mm, err := s.OpenMap(args[0])
			if err != nil {
				return err
			}
			mm.Put(args[1], args[2])
			version, err := s.Commit()
			if err != nil {
				return err
			}
			fmt.Printf("committed version %d\n", version)
			return nil
		},
	}
	return cmd
}
