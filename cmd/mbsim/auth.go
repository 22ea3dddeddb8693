package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/KevinKickass/OpenModbusSim/internal/auth"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Control API credentials",
}

// readSecret takes the flag value, or the first line of stdin.
func readSecret(cmd *cobra.Command, flag, prompt string) (string, error) {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("%s is required", flag)
	}
	return line, nil
}

var authHashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print an argon2id hash for auth.users[].password_hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret(cmd, "password", "Password: ")
		if err != nil {
			return err
		}
		hash, err := auth.NewPasswordHasher().HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login USERNAME",
	Short: "Log in and print an access token for --token / MBSIM_TOKEN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret(cmd, "password", "Password: ")
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		res, err := apiClient().Login(ctx, args[0], password)
		if err != nil {
			return err
		}
		if export, _ := cmd.Flags().GetBool("export"); export {
			fmt.Fprintf(cmd.OutOrStdout(), "export MBSIM_TOKEN=%s\n", res.AccessToken)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.AccessToken)
		fmt.Fprintf(cmd.ErrOrStderr(), "Token expires %s\n", res.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

var authTokenCmd = &cobra.Command{
	Use:   "token NAME",
	Short: "Generate a long lived API token and its config entry",
	Long: `Generate a long lived API token. The token is printed once; add the
printed entry to auth.tokens in the config file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		if !auth.ValidRole(role) {
			return fmt.Errorf("%w %q", auth.ErrInvalidRole, role)
		}
		token, hash, err := auth.NewAPITokenGenerator().GenerateToken()
		if err != nil {
			return err
		}

		entry, err := yaml.Marshal([]map[string]string{{"name": args[0], "hash": hash, "role": role}})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Token: %s\n\nConfig entry (auth.tokens):\n%s", token, entry)
		return nil
	},
}

func init() {
	authHashPasswordCmd.Flags().String("password", "", "password (read from stdin when empty)")
	authLoginCmd.Flags().String("password", "", "password (read from stdin when empty)")
	authLoginCmd.Flags().Bool("export", false, "print a shell export line")
	authTokenCmd.Flags().String("role", "operator", "role: operator, technician or admin")

	authCmd.AddCommand(authHashPasswordCmd, authLoginCmd, authTokenCmd)
	rootCmd.AddCommand(authCmd)
}
