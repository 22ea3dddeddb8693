package main

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:     "device",
	Aliases: []string{"devices", "dev"},
	Short:   "Manage simulated devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		list, err := apiClient().Devices(ctx)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "ENABLED", "LISTENERS", "REGISTERS", "LAST ACTIVITY")
		for _, d := range list {
			bindings := "all"
			if len(d.Bindings) > 0 {
				bindings = strings.Join(d.Bindings, ",")
			}
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\t%s\n", d.SlaveID, d.Name, d.Enabled, bindings, formatCounts(d.Registers), formatTime(d.LastActivity))
		}
		return tw.Flush()
	},
}

var deviceShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a device with its registers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlaveID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		d, err := apiClient().Device(ctx, id)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Slave %d: %s (enabled: %t)\n", d.SlaveID, d.Name, d.Enabled)
		if d.Description != "" {
			fmt.Fprintln(out, d.Description)
		}
		fmt.Fprintln(out)
		tw := newTable(out, "TYPE", "ADDRESS", "VALUE", "SCALED", "LABEL", "BEHAVIOR", "ACCESSES")
		for _, r := range d.Registers {
			b := "-"
			if r.Behavior != nil {
				b = r.Behavior.String()
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%g\t%s\t%s\t%d\n", r.Type, r.Address, r.Value, r.Scaled, r.Label, b, r.Accesses)
		}
		return tw.Flush()
	},
}

var deviceAddCmd = &cobra.Command{
	Use:   "add [ID]",
	Short: "Add an empty device, picking the lowest free id when ID is omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var def devices.Definition
		if len(args) == 1 {
			id, err := parseSlaveID(args[0])
			if err != nil {
				return err
			}
			def.SlaveID = id
		}
		def.Name, _ = cmd.Flags().GetString("name")
		def.Description, _ = cmd.Flags().GetString("description")
		def.Bindings, _ = cmd.Flags().GetStringSlice("listener")
		if disabled, _ := cmd.Flags().GetBool("disabled"); disabled {
			enabled := false
			def.Enabled = &enabled
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		id, err := apiClient().AddDevice(ctx, def)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added device %d\n", id)
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:     "remove ID...",
	Aliases: []string{"rm"},
	Short:   "Remove devices",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseSlaveIDs(strings.Join(args, ","))
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c := apiClient()
		for _, id := range ids {
			if err := c.RemoveDevice(ctx, uint8(id)); err != nil {
				return fmt.Errorf("device %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed device %d\n", id)
		}
		return nil
	},
}

var deviceCloneCmd = &cobra.Command{
	Use:   "clone SOURCE [TARGET]",
	Short: "Copy a device with its registers and behaviors",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := parseSlaveID(args[0])
		if err != nil {
			return err
		}
		var dst uint8
		if len(args) == 2 {
			if dst, err = parseSlaveID(args[1]); err != nil {
				return err
			}
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		created, err := apiClient().CloneDevice(ctx, src, dst)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cloned device %d to %d\n", src, created)
		return nil
	},
}

var deviceResetCmd = &cobra.Command{
	Use:   "reset ID...",
	Short: "Zero access counters and re-arm behaviors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseSlaveIDs(strings.Join(args, ","))
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c := apiClient()
		for _, id := range ids {
			if err := c.ResetCounters(ctx, uint8(id)); err != nil {
				return fmt.Errorf("device %d: %w", id, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %d device(s)\n", len(ids))
		return nil
	},
}

func enableCommand(use string, enabled bool) *cobra.Command {
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	return &cobra.Command{
		Use:   use + " ID...",
		Short: fmt.Sprintf("%s devices; accepts lists and ranges like 1,3-5", strings.TrimSuffix(verb, "d")),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseSlaveIDs(strings.Join(args, ","))
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := apiClient()
			for _, id := range ids {
				if err := c.SetEnabled(ctx, uint8(id), enabled); err != nil {
					return fmt.Errorf("device %d: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d device(s)\n", verb, len(ids))
			return nil
		},
	}
}

func init() {
	deviceListCmd.Flags().Bool("json", false, "print JSON")
	deviceShowCmd.Flags().Bool("json", false, "print JSON")

	deviceAddCmd.Flags().String("name", "", "display name")
	deviceAddCmd.Flags().String("description", "", "description")
	deviceAddCmd.Flags().StringSlice("listener", nil, "restrict the device to these listeners")
	deviceAddCmd.Flags().Bool("disabled", false, "create the device disabled")

	deviceCmd.AddCommand(
		deviceListCmd,
		deviceShowCmd,
		deviceAddCmd,
		deviceRemoveCmd,
		deviceCloneCmd,
		deviceResetCmd,
		enableCommand("enable", true),
		enableCommand("disable", false),
	)
	rootCmd.AddCommand(deviceCmd)
}
