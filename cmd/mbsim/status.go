package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show simulator state and listeners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c := apiClient()

		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		listeners, err := c.Listeners(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "State:     %s (up %s)\n", st.State, st.Uptime.Round(time.Second))
		fmt.Fprintf(out, "Scenario:  %s\n", st.Scenario)
		fmt.Fprintf(out, "Devices:   %d (%d enabled)\n", st.DeviceCount, st.EnabledDevices)
		fmt.Fprintf(out, "Clients:   %d live, %d events dropped\n\n", st.WebSocketClients, st.DroppedEvents)

		tw := newTable(out, "LISTENER", "TRANSPORT", "ADDRESS", "SERVING", "COUNTERS")
		for _, l := range listeners {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", l.Name, l.Transport, l.Address, l.Serving, formatCounters(l.Counters))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
