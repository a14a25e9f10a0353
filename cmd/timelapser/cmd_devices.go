package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"timelapser/internal/app"
	"timelapser/internal/config"
)

var listDevicesCmd = &cobra.Command{
	Use:     "list-devices",
	Aliases: []string{"list-cameras"},
	Short:   "List connected cameras with their serial numbers",
	Long: `List connected cameras. The serial (or the port, when the camera reports no
serial) is the value to put in camera_sn to bind a capture to one camera.`,
	Args: cobra.NoArgs,
	RunE: runListDevices,
}

func init() {
	rootCmd.AddCommand(listDevicesCmd)
}

func runListDevices(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logs, log := app.NewLogging(settings, verbose)
	defer logs.Close()

	devs, err := app.ListDevices(cmd.Context(), settings, nil, log)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s found\n", english.Plural(len(devs), "camera", ""))
	if len(devs) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSERIAL\tPORT")
	for _, d := range devs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Model, d.ID, d.Port)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return nil
}
