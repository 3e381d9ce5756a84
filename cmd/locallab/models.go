package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func mb(n int) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n) << 20)
}

func newModelsCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the server can load",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := buildRegistry(opts.cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			entries := reg.Entries()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSOURCE\tVRAM\tRAM\tCONTEXT\tFALLBACK")
			for _, e := range entries {
				fb := e.FallbackID
				if fb == "" {
					fb = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.ID, e.SourceID, mb(e.VRAMEstimateMB), mb(e.RAMEstimateMB), e.MaxLength, fb)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
