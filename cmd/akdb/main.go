// Command akdb is a thin CLI wrapper around the engine package: one
// subcommand per Engine method, no business logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akdb-project/akdb/engine"
)

var dbDir string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "akdb",
		Short: "akdb is an embedded ordered key-value storage engine",
	}
	root.PersistentFlags().StringVar(&dbDir, "dir", "data", "database directory (WAL, SSTables, manifest, stripe live here)")

	root.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newRangeCmd(),
		newFlushCmd(),
		newCompactCmd(),
	)
	return root
}

// openEngine opens a default-configured Engine rooted at --dir. Every
// subcommand opens fresh and closes on return; akdb is not a server,
// so there is no long-lived Engine to share across invocations.
func openEngine() (*engine.Engine, error) {
	return engine.Open(engine.Options{
		Dir:    dbDir,
		Logger: zap.NewNop(),
	})
}
