package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/api/client"
	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/KevinKickass/OpenModbusSim/internal/devices"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// cli holds the settings shared by every remote command.
var cli = viper.New()

var rootCmd = &cobra.Command{
	Use:   "mbsim",
	Short: "Modbus slave simulator",
	Long: `mbsim emulates Modbus RTU and TCP slave devices from a YAML scenario.

Run "mbsim serve" to start the simulator. Every other command except
"scenario validate", "auth hash-password", "auth token", "query" and
"ports" talks to a running simulator through its control API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true, // don't print help when subcommands return an error
}

func init() {
	rootCmd.PersistentFlags().String("api", "http://localhost:8080", "control API address (env MBSIM_API)")
	rootCmd.PersistentFlags().String("token", "", "control API bearer token (env MBSIM_TOKEN)")

	cli.BindPFlag("api", rootCmd.PersistentFlags().Lookup("api"))
	cli.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	cli.SetEnvPrefix(config.EnvPrefix)
	cli.AutomaticEnv()
}

func apiClient() *client.Client {
	return client.New(cli.GetString("api"), cli.GetString("token"))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func parseSlaveID(s string) (uint8, error) {
	n, err := strconv.Atoi(s)
	if err != nil || !devices.ValidSlaveID(n) {
		return 0, fmt.Errorf("%w: %q", devices.ErrInvalidSlaveID, s)
	}
	return uint8(n), nil
}

// parseSlaveIDs accepts "1,2,5" and ranges like "1-4".
func parseSlaveIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}
		from, err := parseSlaveID(lo)
		if err != nil {
			return nil, err
		}
		to, err := parseSlaveID(hi)
		if err != nil {
			return nil, err
		}
		if to < from {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		for id := int(from); id <= int(to); id++ {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: must be 0..65535", s)
	}
	return uint16(n), nil
}

func parseValues(args []string) ([]uint16, error) {
	var values []uint16
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			v, err := parseUint16(part)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
	}
	return values, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
