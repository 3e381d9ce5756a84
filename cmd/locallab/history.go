package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"locallab/internal/bookkeeping"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		model  string
		limit  int
		usage  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show model load and unload history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.BookkeepingDB == "" {
				return errors.New("no bookkeeping database configured (LOCALLAB_BOOKKEEPING_DB)")
			}
			store, err := bookkeeping.Open(opts.cfg.BookkeepingDB)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var v any
			if usage {
				u, err := store.Usage(ctx)
				if err != nil {
					return err
				}
				v = u
				if !asJSON {
					tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "MODEL\tLOADS\tUNLOADS\tAVG LOAD\tLAST LOADED")
					for _, m := range u {
						fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", m.ModelID, m.Loads, m.Unloads, m.AvgLoad.Round(time.Millisecond), humanize.Time(m.LastLoadedAt))
					}
					return tw.Flush()
				}
			} else {
				h, err := store.History(ctx, model, limit)
				if err != nil {
					return err
				}
				v = h
				if !asJSON {
					tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "WHEN\tKIND\tMODEL\tDEVICE\tDETAIL")
					for _, e := range h {
						detail := e.Reason
						if e.Kind == bookkeeping.KindLoad {
							detail = e.Elapsed.Round(time.Millisecond).String()
							if e.RequestedID != "" {
								detail += " (requested " + e.RequestedID + ")"
							}
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", humanize.Time(e.At), e.Kind, e.ModelID, e.Device, detail)
					}
					return tw.Flush()
				}
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "only show this model")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries (0 for all)")
	cmd.Flags().BoolVar(&usage, "usage", false, "aggregate per model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
