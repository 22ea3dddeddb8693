package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/KevinKickass/OpenModbusSim/internal/simulator"
	"github.com/spf13/cobra"
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Validate, load and save scenarios",
}

var scenarioValidateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check scenario files without a running simulator",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := 0
		for _, path := range args {
			s, err := scenario.Load(path)
			if err != nil {
				failed++
				var ve *scenario.ValidationError
				if errors.As(err, &ve) {
					fmt.Fprintf(out, "%s: invalid\n", path)
					for _, p := range ve.Problems {
						fmt.Fprintf(out, "  - %s\n", p)
					}
					continue
				}
				fmt.Fprintf(out, "%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(out, "%s: ok (%s, %d devices)\n", path, s.Name, len(s.Devices))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios invalid", failed, len(args))
		}
		return nil
	},
}

var scenarioLoadCmd = &cobra.Command{
	Use:   "load FILE|NAME",
	Short: "Apply a scenario file, or a library scenario, to the running simulator",
	Long: `Apply a scenario to the running simulator.

The argument is read as a local file when it exists, otherwise it names a
scenario in the server's library. --library forces the library lookup.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		mode, err := simulator.ParseMode(modeFlag)
		if err != nil {
			return err
		}
		fromLibrary, _ := cmd.Flags().GetBool("library")

		ctx, cancel := requestContext(cmd)
		defer cancel()
		c := apiClient()

		if _, statErr := os.Stat(args[0]); statErr == nil && !fromLibrary {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			applied, err := c.ApplyScenario(ctx, doc, mode)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s (%s): %d devices\n", applied.Name, applied.Mode, applied.Devices)
		} else {
			applied, err := c.LoadScenario(ctx, args[0], mode)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s from library (%s): %d devices\n", applied.Name, applied.Mode, applied.Devices)
		}
		return nil
	},
}

var scenarioSaveCmd = &cobra.Command{
	Use:   "save [FILE]",
	Short: "Export the running configuration",
	Long: `Export the running configuration as YAML to FILE, or to stdout when no
file is given. --library NAME stores it in the server's library instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c := apiClient()

		if name, _ := cmd.Flags().GetString("library"); name != "" {
			if err := c.SaveScenario(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved running configuration as %s\n", name)
			return nil
		}

		doc, err := c.ExportScenario(ctx)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			_, err := cmd.OutOrStdout().Write(doc)
			return err
		}
		if err := os.WriteFile(args[0], doc, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", args[0])
		return nil
	},
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scenarios in the server's library",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		list, err := apiClient().ListScenarios(ctx)
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "NAME", "DEVICES", "VERSION", "UPDATED", "DESCRIPTION")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Name, s.Devices, s.Version, formatTime(&s.UpdatedAt), s.Description)
		}
		return tw.Flush()
	},
}

func init() {
	scenarioLoadCmd.Flags().String("mode", "replace", "apply mode: replace or merge")
	scenarioLoadCmd.Flags().Bool("library", false, "load from the server's library")
	scenarioSaveCmd.Flags().String("library", "", "store in the server's library under this name")

	scenarioCmd.AddCommand(scenarioValidateCmd, scenarioLoadCmd, scenarioSaveCmd, scenarioListCmd)
	rootCmd.AddCommand(scenarioCmd)
}
