package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

var queryCmd = &cobra.Command{
	Use:   "query HOST:PORT UNIT TYPE ADDRESS",
	Short: "Act as a Modbus TCP master against any slave",
	Example: `  mbsim query localhost:1502 1 hr 40001 --count 3
  mbsim query localhost:1502 1 hr 40001 --write 10,20
  mbsim query localhost:1502 1 ir 30001 --interval 1s`,
	Args: cobra.ExactArgs(4),
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	unit, err := parseUint16(args[1])
	if err != nil || unit > 255 {
		return fmt.Errorf("invalid unit id %q", args[1])
	}
	t, err := types.ParseRegisterType(args[2])
	if err != nil {
		return err
	}
	addr, err := parseUint16(args[3])
	if err != nil {
		return err
	}

	f := cmd.Flags()
	count, _ := f.GetUint16("count")
	timeout, _ := f.GetDuration("timeout")
	interval, _ := f.GetDuration("interval")
	writes, _ := f.GetString("write")

	c := modbus.NewClient(args[0], timeout)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if writes != "" {
		values, err := parseValues([]string{writes})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := queryWrite(ctx, c, uint8(unit), t, addr, values); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %d value(s) to unit %d %s %d\n", len(values), unit, t, addr)
		return nil
	}

	if interval <= 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		start := time.Now()
		values, err := c.Read(ctx, uint8(unit), t, addr, count)
		if err != nil {
			return err
		}
		tw := newTable(out, "ADDRESS", "VALUE", "HEX")
		for i, v := range values {
			fmt.Fprintf(tw, "%d\t%d\t0x%04X\n", int(addr)+i, v, v)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "(%s)\n", time.Since(start).Round(time.Microsecond))
		return nil
	}

	// Poll until interrupted
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target := modbus.PollTarget{UnitID: uint8(unit), Type: t, Address: addr, Quantity: count}
	poller := modbus.NewPoller(c, target, interval, func(s modbus.Sample) {
		printSample(out, s)
	}, zap.NewNop())
	if err := poller.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	poller.Stop()
	return nil
}

func queryWrite(ctx context.Context, c *modbus.Client, unit uint8, t types.RegisterType, addr uint16, values []uint16) error {
	switch t {
	case types.RegisterTypeHoldingRegister:
		if len(values) == 1 {
			return c.WriteSingleRegister(ctx, unit, addr, values[0])
		}
		return c.WriteMultipleRegisters(ctx, unit, addr, values)
	case types.RegisterTypeCoil:
		if len(values) == 1 {
			return c.WriteSingleCoil(ctx, unit, addr, values[0] != 0)
		}
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		return c.WriteMultipleCoils(ctx, unit, addr, bits)
	}
	return fmt.Errorf("%s registers are read-only over Modbus", t)
}

func printSample(out io.Writer, s modbus.Sample) {
	stamp := s.Time.Format("15:04:05.000")
	if s.Err != nil {
		fmt.Fprintf(out, "%s  error: %v\n", stamp, s.Err)
		return
	}
	fmt.Fprintf(out, "%s  %v  (%s)\n", stamp, s.Values, s.Latency.Round(time.Microsecond))
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports usable by rtu listeners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serial.GetPortsList()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.Uint16("count", 1, "number of registers to read")
	f.Duration("timeout", 3*time.Second, "request timeout")
	f.Duration("interval", 0, "poll at this interval until interrupted")
	f.String("write", "", "comma separated values to write instead of reading")

	rootCmd.AddCommand(queryCmd, portsCmd)
}
