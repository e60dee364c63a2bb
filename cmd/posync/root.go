package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/chefcloud/posync/internal/adapter/httpexec"
	"github.com/chefcloud/posync/internal/config"
	"github.com/chefcloud/posync/internal/connectivity"
	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/offline"
	syncpkg "github.com/chefcloud/posync/internal/sync"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	dataDir    string
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "posync",
		Short: "Offline action queue and sync engine for ChefCloud terminals",
		Long: `posync keeps a terminal working while the ChefCloud API is unreachable.
Order mutations are queued durably, replayed in order once the terminal is
back online, and their outcomes are kept in a bounded sync history.

Quick start:
  posync serve                                  # run the engine and operator API
  posync enqueue CREATE_ORDER '{"orderId":"o-1"}'
  posync status                                 # show queue, caches and storage
  posync retry                                  # re-attempt failed actions`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.chefcloud/posync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory holding the offline databases")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newEnqueueCmd(opts))
	cmd.AddCommand(newDrainCmd(opts))
	cmd.AddCommand(newRetryCmd(opts))
	cmd.AddCommand(newClearCmd(opts))
	cmd.AddCommand(newSnapshotCmd(opts))
	return cmd
}

// load resolves the configuration and initializes logging.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File != "" {
		logging.InitFile(cfg.Log.File, level)
	} else {
		logging.Init(os.Stderr, level)
	}
	return cfg, nil
}

// offlineExecutor backs sessions opened only to inspect or edit local state.
// Those sessions are kept offline so it is never called.
var offlineExecutor = syncpkg.ExecutorFunc(func(context.Context, models.QueuedAction) error {
	return errors.New(errors.ErrOffline, "this command does not contact the API")
})

// openLocal opens a session that never drains.
func (o *rootOptions) openLocal(ctx context.Context) (*offline.Session, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return offline.Open(ctx, cfg, offlineExecutor, offline.WithConnectivity(connectivity.NewManual(false)))
}

// openRemote opens a session that executes actions against the API.
func (o *rootOptions) openRemote(ctx context.Context, opts ...offline.Option) (*offline.Session, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	exec, err := httpexec.New(httpexec.Config{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		TerminalID: cfg.TerminalID,
		Timeout:    cfg.API.Timeout,
	}, nil)
	if err != nil {
		return nil, err
	}
	return offline.Open(ctx, cfg, exec, opts...)
}
