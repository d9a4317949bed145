package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRangeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "range [start] [endExclusive]",
		Short: "List live key/value pairs in [start, endExclusive)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			var start, end []byte
			if len(args) > 0 {
				start = []byte(args[0])
			}
			if len(args) > 1 {
				end = []byte(args[1])
			}

			n := 0
			err = e.Range(start, end, func(key, value []byte) bool {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, value)
				n++
				return limit <= 0 || n < limit
			})
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many results (0 means unbounded)")
	return cmd
}
