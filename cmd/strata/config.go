package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/strata/internal/cli"
)

var (
	configShowSource bool
	configShowFormat string
	configShowDSN    bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long: `Show the effective configuration after merging defaults, the config file and
STRATA_* environment variables. Database passwords are masked.`,
	Example: `  # Show effective configuration
  strata config show

  # Show the file it came from and the connection string strata would use
  strata config show --source --dsn

  # Machine readable
  strata config show --format json`,
	RunE: runConfigShow,
}

func init() {
	f := configShowCmd.Flags()
	f.BoolVar(&configShowSource, "source", false, "show config file source")
	f.StringVar(&configShowFormat, "format", "yaml", "output format: yaml or json")
	f.BoolVar(&configShowDSN, "dsn", false, "show the resolved connection string")
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out, err := cfg.Render(configShowFormat)
	if err != nil {
		return cli.ConfigError("rendering configuration", err)
	}

	w := cmd.OutOrStdout()
	if configShowSource {
		source := configPath
		if source == "" {
			source = "(none, using defaults)"
		}
		fmt.Fprintf(w, "Config file: %s\n", source)
	}
	if configShowDSN {
		dsn, err := cfg.DSN()
		if err != nil {
			fmt.Fprintf(os.Stderr, "DSN: %v\n", err)
		} else {
			fmt.Fprintf(w, "DSN: %s\n", cli.RedactDSN(dsn))
		}
	}
	if configShowSource || configShowDSN {
		fmt.Fprintln(w)
	}
	_, err = w.Write(out)
	return err
}
