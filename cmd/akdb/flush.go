package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Force every non-empty MemTable shard to a durable SST",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Flush(); err != nil {
				return err
			}
			st := e.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ok live_ssts=%d last_seq=%d\n", st.LiveSSTCount, st.LastSeq)
			return nil
		},
	}
}
