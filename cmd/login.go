// File: cmd/login.go
package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/api/schemas"
	"github.com/xkilldash9x/quill-cli/internal/observability"
)

// passwordEnv holds the password when --password-stdin is not used.
const passwordEnv = "QUILL_PASSWORD"

type credentialFlags struct {
	username       string
	passwordStdin  bool
	awaitChallenge bool
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.username, "username", "u", "", "Account to sign in with (required)")
	cmd.Flags().BoolVar(&f.passwordStdin, "password-stdin", false, "Read the password from the first line of stdin instead of $"+passwordEnv)
	cmd.Flags().BoolVar(&f.awaitChallenge, "wait-challenge", true, "Wait for a second-factor approval instead of stopping at the challenge")
	_ = cmd.MarkFlagRequired("username")
}

func (f *credentialFlags) credentials(stdin io.Reader) (schemas.Credentials, error) {
	creds := schemas.Credentials{Username: strings.TrimSpace(f.username)}
	if f.passwordStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return creds, fmt.Errorf("failed to read password from stdin: %w", err)
		}
		creds.Password = strings.TrimRight(line, "\r\n")
	} else {
		creds.Password = os.Getenv(passwordEnv)
	}
	if creds.Username == "" || creds.Password == "" {
		return creds, fmt.Errorf("a username and a password (via $%s or --password-stdin) are required", passwordEnv)
	}
	return creds, nil
}

func newLoginCmd(open openFunc) *cobra.Command {
	var flags credentialFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and report the outcome",
		Long: `Signs in through the platform's login page and prints the login result as JSON.
With a persistent browser.user_data_dir the session survives for later commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			creds, err := flags.credentials(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runLogin(ctx, cmd.OutOrStdout(), creds, flags.awaitChallenge, func(ctx context.Context, opts openOptions) (publisher, func(), error) {
				return open(ctx, cfg, opts, observability.GetLogger())
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func runLogin(ctx context.Context, out io.Writer, creds schemas.Credentials, await bool, open func(context.Context, openOptions) (publisher, func(), error)) error {
	logger := observability.GetLogger()
	p, cleanup, err := open(ctx, openOptions{AwaitChallenge: await})
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := p.Login(ctx, creds)
	if res.Status != "" {
		if werr := writeJSON(out, res); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if res.Status != schemas.LoginSuccess {
		logger.Warn("Login needs attention.", zap.String("status", string(res.Status)), zap.String("reason", res.Reason))
		return fmt.Errorf("%w: %s", schemas.ErrNotLoggedIn, res.Status)
	}
	logger.Info("Logged in.", zap.String("username", creds.Username))
	return nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
