package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run leveled compaction rounds until no level is overfull",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Compact(); err != nil {
				return err
			}
			st := e.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ok live_ssts=%d\n", st.LiveSSTCount)
			return nil
		},
	}
}
