package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/josuekenge/selly-capture/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture and playback devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := device.List()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tDEFAULT\tNAME")
		for _, d := range infos {
			def := ""
			if d.IsDefault {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Kind, def, d.Name)
		}
		return tw.Flush()
	},
}
