package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"timelapser/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:     "check-config [FILE]",
	Aliases: []string{"check-conf"},
	Short:   "Validate a config file and print the resolved captures",
	Long: `Validate a config file. FILE defaults to --config, then to the discovered
config. Every problem is reported; the exit status is 1 when any is found.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	path := cfgPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		path = config.Discover()
	}

	settings, err := config.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if settings.Path == "" {
		fmt.Fprintln(out, "no config file found, using built-in defaults")
	} else {
		fmt.Fprintf(out, "%s: OK\n", settings.Path)
	}
	fmt.Fprintf(out, "timezone: %s\n", settings.Location)
	for _, c := range settings.Captures {
		fmt.Fprintf(out, "  %s\n", c)
	}
	return nil
}
