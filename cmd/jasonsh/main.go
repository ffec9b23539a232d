package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	jasondb "github.com/sohzm/jasonisnthappy"
	"github.com/sohzm/jasonisnthappy/cmd/jasonsh/shell"
	ilog "github.com/sohzm/jasonisnthappy/internal/log"
)

func main() {
	var (
		dbPath     string
		configPath string
		logLevel   string
		readOnly   bool
	)

	root := &cobra.Command{
		Use:   "jasonsh",
		Short: "Interactive shell for jasonisnthappy databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := jasondb.DefaultOptions()
			if configPath != "" {
				loaded, err := jasondb.LoadOptions(configPath)
				if err != nil {
					return err
				}
				opts = loaded
			}
			opts.ReadOnly = readOnly
			opts.Logger = ilog.Console(os.Stderr, logLevel)

			db, err := jasondb.Open(dbPath, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			return shell.Run(db, dbPath)
		},
	}

	root.Flags().StringVar(&dbPath, "db", "jason.db", "database file path")
	root.Flags().StringVar(&configPath, "config", "", "YAML options file")
	root.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	root.Flags().BoolVar(&readOnly, "read-only", false, "open read-only")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
