package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/KevinKickass/OpenModbusSim/internal/api/websocket"
	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/tui"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:     "register",
	Aliases: []string{"reg"},
	Short:   "Read, write and script registers",
	Long: `Read, write and script registers of a running simulator.

TYPE is one of coil (co), discrete_input (di), input_register (ir) or
holding_register (hr).`,
}

type registerRef struct {
	slaveID uint8
	typ     types.RegisterType
	address uint16
}

func parseRegisterRef(args []string) (registerRef, error) {
	id, err := parseSlaveID(args[0])
	if err != nil {
		return registerRef{}, err
	}
	t, err := types.ParseRegisterType(args[1])
	if err != nil {
		return registerRef{}, err
	}
	addr, err := parseUint16(args[2])
	if err != nil {
		return registerRef{}, fmt.Errorf("invalid address: %w", err)
	}
	return registerRef{slaveID: id, typ: t, address: addr}, nil
}

var registerGetCmd = &cobra.Command{
	Use:   "get ID TYPE ADDRESS",
	Short: "Read register values, or show one register with --details",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRegisterRef(args)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c := apiClient()

		if details, _ := cmd.Flags().GetBool("details"); details {
			view, err := c.Register(ctx, ref.slaveID, ref.typ, ref.address)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		}

		count, _ := cmd.Flags().GetUint16("count")
		values, err := c.ReadRegisters(ctx, ref.slaveID, ref.typ, ref.address, count)
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "ADDRESS", "VALUE", "HEX")
		for i, v := range values {
			fmt.Fprintf(tw, "%d\t%d\t0x%04X\n", int(ref.address)+i, v, v)
		}
		return tw.Flush()
	},
}

var registerSetCmd = &cobra.Command{
	Use:   "set ID TYPE ADDRESS VALUE...",
	Short: "Write one or more consecutive values",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRegisterRef(args)
		if err != nil {
			return err
		}
		values, err := parseValues(args[3:])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := apiClient().WriteRegisters(ctx, ref.slaveID, ref.typ, ref.address, values); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d value(s) to slave %d %s %d\n", len(values), ref.slaveID, ref.typ, ref.address)
		return nil
	},
}

// behaviorFromFlags builds a rule of kind from the command flags.
func behaviorFromFlags(cmd *cobra.Command, kind string) (behavior.Spec, error) {
	f := cmd.Flags()
	code, _ := f.GetUint8("code")
	trigger, _ := f.GetUint32("trigger")
	reset, _ := f.GetString("reset")
	step, _ := f.GetInt32("step")
	on, _ := f.GetString("on")

	spec := behavior.Spec{Kind: behavior.Kind(kind), On: behavior.On(on)}
	switch spec.Kind {
	case behavior.KindNormal:
	case behavior.KindError:
		spec.Code = types.ExceptionCode(code)
	case behavior.KindConditional:
		spec.Code = types.ExceptionCode(code)
		spec.Trigger = trigger
		spec.Reset = behavior.Reset(reset)
	case behavior.KindRamp:
		spec.Step = step
	default:
		return spec, fmt.Errorf("unknown behavior %q: use normal, error, conditional or ramp", kind)
	}
	return spec, nil
}

var registerBehaviorCmd = &cobra.Command{
	Use:   "behavior ID TYPE ADDRESS KIND",
	Short: "Attach a behavior: normal, error, conditional or ramp",
	Example: `  mbsim register behavior 1 hr 40001 error --code 4
  mbsim register behavior 1 hr 40001 conditional --trigger 3 --code 6 --reset repeating
  mbsim register behavior 1 ir 30001 ramp --step 10
  mbsim register behavior 1 hr 40001 normal`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRegisterRef(args)
		if err != nil {
			return err
		}
		spec, err := behaviorFromFlags(cmd, args[3])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := apiClient().SetBehavior(ctx, ref.slaveID, ref.typ, ref.address, spec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Slave %d %s %d: %s\n", ref.slaveID, ref.typ, ref.address, spec.String())
		return nil
	},
}

var registerDefineCmd = &cobra.Command{
	Use:   "define ID TYPE ADDRESS",
	Short: "Add a register to a device",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRegisterRef(args)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		def := registers.Definition{Address: ref.address}
		def.Value, _ = f.GetUint16("value")
		def.Label, _ = f.GetString("label")
		def.Scale, _ = f.GetFloat64("scale")
		def.Clamp, _ = f.GetBool("clamp")
		if f.Changed("min") {
			v, _ := f.GetUint16("min")
			def.Min = &v
		}
		if f.Changed("max") {
			v, _ := f.GetUint16("max")
			def.Max = &v
		}
		replace, _ := f.GetBool("replace")

		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := apiClient().DefineRegister(ctx, ref.slaveID, ref.typ, def, replace); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Defined slave %d %s %d\n", ref.slaveID, ref.typ, ref.address)
		return nil
	},
}

var registerRemoveCmd = &cobra.Command{
	Use:     "remove ID TYPE ADDRESS",
	Aliases: []string{"rm"},
	Short:   "Remove a register from a device",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRegisterRef(args)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		if err := apiClient().RemoveRegister(ctx, ref.slaveID, ref.typ, ref.address); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed slave %d %s %d\n", ref.slaveID, ref.typ, ref.address)
		return nil
	},
}

var registerWatchCmd = &cobra.Command{
	Use:   "watch ID",
	Short: "Live view of a device's registers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlaveID(args[0])
		if err != nil {
			return err
		}
		c := apiClient()

		ctx, cancel := requestContext(cmd)
		detail, err := c.Device(ctx, id)
		cancel()
		if err != nil {
			return err
		}

		dialCtx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		stream, err := websocket.Dial(dialCtx, c.LiveURL(), c.Header(), []int{int(id)})
		cancel()
		if err != nil {
			return err
		}
		defer stream.Close()

		title := "Slave " + strconv.Itoa(int(id))
		if detail.Name != "" {
			title += ": " + detail.Name
		}
		model := tui.New(title, id, tui.RowsFromViews(detail.Registers), stream.Events())
		if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	registerGetCmd.Flags().Uint16("count", 1, "number of consecutive registers (1..125)")
	registerGetCmd.Flags().Bool("details", false, "show definition, behavior state and access count")

	f := registerBehaviorCmd.Flags()
	f.Uint8("code", 4, "exception code for error and conditional")
	f.Uint32("trigger", 1, "fail on every Nth access (conditional)")
	f.String("reset", string(behavior.ResetOneShot), "one_shot or repeating (conditional)")
	f.Int32("step", 1, "increment per read (ramp)")
	f.String("on", string(behavior.OnAny), "accesses the rule reacts to: any, read or write")

	f = registerDefineCmd.Flags()
	f.Uint16("value", 0, "initial value")
	f.String("label", "", "label")
	f.Uint16("min", 0, "lowest accepted value")
	f.Uint16("max", 0, "highest accepted value")
	f.Float64("scale", 0, "engineering scale factor")
	f.Bool("clamp", false, "clamp out of range writes instead of rejecting them")
	f.Bool("replace", false, "replace an existing register at the address")

	registerCmd.AddCommand(registerGetCmd, registerSetCmd, registerBehaviorCmd, registerDefineCmd, registerRemoveCmd, registerWatchCmd)
	rootCmd.AddCommand(registerCmd)
}
