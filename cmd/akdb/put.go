package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			seq, err := e.Put([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok seq=%d\n", seq)
			return nil
		},
	}
}
