package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/franksops/docferry/channel"
	"github.com/franksops/docferry/cleanup"
	"github.com/franksops/docferry/config"
	"github.com/franksops/docferry/docstore"
	"github.com/franksops/docferry/engine"
	"github.com/franksops/docferry/logging"
	"github.com/franksops/docferry/provider"
	"github.com/franksops/docferry/store"
	"github.com/franksops/docferry/transfer"
)

// app holds what every subcommand shares once configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	closeLog   func()
}

func newRootCmd() *cobra.Command {
	a := &app{closeLog: func() {}}

	rootCmd := &cobra.Command{
		Use:          "dferry",
		Short:        "Export, copy and import MongoDB databases",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.closeLog()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: dferry.yaml in ., $HOME/.dferry or /etc/dferry)")

	rootCmd.AddCommand(
		newServeCmd(a),
		newExportCmd(a),
		newCopyCmd(a),
		newImportCmd(a),
		newJobsCmd(a),
	)
	return rootCmd
}

func (a *app) load() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	a.closeLog = closeLog
	return nil
}

// openStore opens the job state store, creating its directory.
func (a *app) openStore() (*store.BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.State.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := store.NewBoltStore(a.cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return st, nil
}

// publisher returns the configured archive destination, or nil.
func (a *app) publisher(ctx context.Context) (provider.Writer, error) {
	if !a.cfg.S3.Enabled() {
		return nil, nil
	}
	p, err := provider.NewS3Provider(ctx, provider.S3Config{
		Bucket:          a.cfg.S3.Bucket,
		Prefix:          a.cfg.S3.Prefix,
		Region:          a.cfg.S3.Region,
		Endpoint:        a.cfg.S3.Endpoint,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 publisher: %w", err)
	}
	return p, nil
}

// orchestrator wires an Orchestrator against MongoDB. registry may be nil,
// in which case artifacts are kept.
func (a *app) orchestrator(ctx context.Context, sender channel.Sender, st store.Store, registry *cleanup.Registry) (*transfer.Orchestrator, error) {
	tc := a.cfg.Transfer
	opts := []transfer.Option{
		transfer.WithLogger(a.logger),
		transfer.WithWorkDir(tc.WorkDir),
		transfer.WithCleanupTTL(tc.CleanupTTL),
		transfer.WithBufferPool(engine.NewBufferPool(0)),
		transfer.WithMaxExtractBytes(tc.MaxUploadBytes),
		transfer.WithTracker(engine.NewJobTracker(st, engine.CheckpointConfig{
			DocsInterval: tc.CheckpointDocs,
			TimeInterval: tc.CheckpointInterval,
		})),
	}

	pub, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		opts = append(opts, transfer.WithPublisher(pub))
	}

	connector := docstore.NewMongoConnector(a.cfg.Mongo.ConnectTimeout)
	return transfer.New(connector, sender, registry, opts...), nil
}
