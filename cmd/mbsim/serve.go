package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/modbus"
	"github.com/KevinKickass/OpenModbusSim/internal/system"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulator",
	Long: `Run the simulator until interrupted or shut down through the API.

--transport, --host, --port and --serial-port replace the listeners of the
config file with a single listener named "main".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("config", "c", "", "config file (YAML)")
	f.StringP("scenario", "s", "", "scenario file loaded at startup")
	f.String("transport", "tcp", "listener transport: tcp, rtu or rtu-over-tcp")
	f.String("host", "localhost", "listen host for tcp transports")
	f.IntP("port", "p", 1502, "listen port for tcp transports")
	f.String("serial-port", "", "serial device for rtu, e.g. /dev/ttyUSB0")
	f.Int("baud-rate", 9600, "serial baud rate for rtu")
	f.String("parity", "N", "serial parity for rtu: N, E or O")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.Int("http-port", 0, "control API port (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

// listenerFromFlags returns the command line listener, or false when no
// listener flag was given.
func listenerFromFlags(f *pflag.FlagSet) (modbus.ListenerConfig, bool) {
	changed := false
	for _, name := range []string{"transport", "host", "port", "serial-port", "baud-rate", "parity"} {
		changed = changed || f.Changed(name)
	}
	if !changed {
		return modbus.ListenerConfig{}, false
	}

	transport, _ := f.GetString("transport")
	host, _ := f.GetString("host")
	port, _ := f.GetInt("port")
	serialPort, _ := f.GetString("serial-port")
	baud, _ := f.GetInt("baud-rate")
	parity, _ := f.GetString("parity")

	l := modbus.ListenerConfig{Name: "main", Transport: modbus.Transport(transport)}
	switch l.Transport {
	case modbus.TransportRTU:
		l.Serial = modbus.SerialConfig{Port: serialPort, BaudRate: baud, Parity: parity}
	default:
		l.Address = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return l, true
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	v := config.New()
	v.BindPFlag("scenario.path", f.Lookup("scenario"))
	if f.Changed("log-level") {
		v.BindPFlag("logging.level", f.Lookup("log-level"))
	}
	if f.Changed("http-port") {
		v.BindPFlag("server.http_port", f.Lookup("http-port"))
	}

	path, _ := f.GetString("config")
	cfg, err := config.LoadWith(v, path)
	if err != nil {
		return nil, err
	}

	if l, ok := listenerFromFlags(f); ok {
		cfg.Listeners = []modbus.ListenerConfig{l}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	lifecycle, err := system.NewLifecycleManager(cfg, system.Options{}, logger)
	if err != nil {
		return err
	}
	if err := lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-lifecycle.Done():
		// Shut down through the API
		logger.Info("OpenModbusSim stopped")
		return nil
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("OpenModbusSim stopped")
	return nil
}
