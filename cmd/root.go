// Package cmd wires configuration, logging and the session engine into the
// pagewalker command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/seo-optimizer/pagewalker/config"
	"github.com/seo-optimizer/pagewalker/logging"
)

// app carries what PersistentPreRunE prepared to the subcommands.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pagewalker",
		Short:         "Pagewalker drives a headless browser through a page and records what it sees.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	root.AddCommand(newAnalyzeCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

func (a *app) init() error {
	envLoaded := config.LoadEnv()

	cfg, err := config.Load(viper.New(), a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if !envLoaded {
		logger.Debug("No .env file found, using environment variables")
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// Execute runs the root command. ctx is cancelled on SIGINT/SIGTERM, which
// ends a running session gracefully.
func Execute(ctx context.Context) error {
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		// A cancelled context is the expected way out during shutdown.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}
