package main

import (
	"log/slog"

	channelsync "github.com/nlstn/go-channelsync"
	"github.com/nlstn/go-channelsync/internal/version"
	"github.com/spf13/cobra"
)

// app carries what every subcommand shares.
type app struct {
	configPath string
	logLevel   string

	cfg    channelsync.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "channelsync",
		Short:         "Durable task engine that keeps sales channels in sync with the catalog",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newWorkerCmd(a),
		newEnqueueCmd(a),
		newStatusCmd(a),
		newDeleteCmd(a),
		newWakeCmd(a),
		newPruneCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := channelsync.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = cfg.Log.Logger(cmd.ErrOrStderr())
	slog.SetDefault(a.logger)
	return nil
}

// service opens the engine. Commands that only read or maintain the store
// pass channelsync.WithoutWakeUps so no broker connection is made.
func (a *app) service(opts ...channelsync.Option) (*channelsync.Service, error) {
	return channelsync.NewService(a.cfg, append([]channelsync.Option{channelsync.WithLogger(a.logger)}, opts...)...)
}
