package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newCompactCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Rewrite low-fill chunks and shrink the file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			full, _ := cmd.Flags().GetBool("full")
			target, _ := cmd.Flags().GetInt("target-fill-rate")
			write, _ := cmd.Flags().GetInt("write")
			moveSize, _ := cmd.Flags().GetInt("move-size")

			var bytes int
			if full {
				bytes, err = s.CompactRewriteFully()
			} else {
				bytes, err = s.Compact(target, write)
			}
			if err != nil {
				return err
			}
			fmt.Printf("rewrote %d bytes\n", bytes)
			return s.CompactMoveChunks(target, moveSize)
		},
	}
	cmd.Flags().Bool("full", false, "rewrite every chunk below 100% fill")
	cmd.Flags().Int("target-fill-rate", 40, "target device fill rate percent")
	cmd.Flags().Int("write", 1<<20, "bytes worth of chunks to rewrite")
	cmd.Flags().Int("move-size", 1<<24, "bytes worth of trailing chunks to relocate")
	return cmd
}
