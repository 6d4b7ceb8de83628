// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill-cli/internal/config"
	"github.com/xkilldash9x/quill-cli/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var cfgFile string

// NewRootCommand builds the root command with every subcommand attached.
// Each call returns an independent tree, so flags never leak between runs.
func NewRootCommand() *cobra.Command {
	return newRootCmd(defaultRunners())
}

func newRootCmd(r runners) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "quill",
		Short:         "Quill publishes blog posts through a real browser session.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "quill"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "quill"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting quill", zap.String("version", Version))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml, then ~/.quill/config.yaml)")
	cmd.PersistentFlags().Bool("headless", true, "Run the local browser without a window.")
	cmd.PersistentFlags().String("cdp-url", "", "Attach to a running browser at this DevTools URL instead of launching one.")
	cmd.PersistentFlags().String("log-level", "", "Override logger.level.")
	cmd.PersistentFlags().Bool("no-store", false, "Do not remember accounts or record publish history.")

	cmd.AddCommand(newLoginCmd(r.open))
	cmd.AddCommand(newPublishCmd(r.open))
	cmd.AddCommand(newAccountsCmd(r.store))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command with ctx, which is expected to be cancelled
// on interrupt.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil {
		logger := observability.GetLogger()
		if errors.Is(err, context.Canceled) {
			logger.Warn("Command aborted.")
		} else {
			logger.Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file and environment into v and applies
// the persistent flag overrides.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Expand("~/.quill"); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	flags := cmd.Flags()
	for flag, key := range map[string]string{
		"headless":  "browser.headless",
		"cdp-url":   "browser.remote_url",
		"log-level": "logger.level",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	if noStore, _ := flags.GetBool("no-store"); noStore {
		v.Set("store.enabled", false)
	}
	return nil
}

// getConfigFromContext returns the config stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	if ctx == nil {
		return nil, fmt.Errorf("no context available")
	}
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not found in context")
	}
	return cfg, nil
}
