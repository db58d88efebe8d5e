package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"zonewatch/internal/model"
	"zonewatch/internal/storage"
)

func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		list   bool
		filter storage.EventFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show transition event counts by delivery status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if !list {
				counts, err := store.CountEvents(cmd.Context())
				if err != nil {
					return fmt.Errorf("count events: %w", err)
				}
				if rootOpts.JSON {
					return writeJSONOut(out, counts)
				}
				keys := make([]string, 0, len(counts))
				for k := range counts {
					keys = append(keys, string(k))
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%-10s %d\n", k, counts[model.DeliveryStatus(k)])
				}
				return nil
			}

			filter.Status = model.DeliveryStatus(strings.ToUpper(status))
			events, err := store.ListEvents(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			if rootOpts.JSON {
				return writeJSONOut(out, events)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDEVICE\tZONE\tTYPE\tFIX_TIME\tSTATUS\tATTEMPTS\tLAST_ERROR")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.DeviceID, e.ZoneID, e.Type, e.FixTime.Format(time.RFC3339), e.Status, e.Attempts, e.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list events instead of counts")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, DELIVERED, FAILED)")
	cmd.Flags().StringVar(&filter.DeviceID, "device", "", "filter by device id")
	cmd.Flags().StringVar(&filter.ZoneID, "zone", "", "filter by zone id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum events to list")
	cmd.AddCommand(newEventsRetryCommand(rootOpts))
	return cmd
}

// newEventsRetryCommand moves a FAILED event back to PENDING; the running
// dispatcher's retry scan delivers it.
func newEventsRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Requeue a FAILED event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.RequeueEvent(cmd.Context(), args[0], time.Now().UTC()); err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %s requeued\n", args[0])
			return nil
		},
	}
}
