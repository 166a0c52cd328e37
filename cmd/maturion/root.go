package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maturion/maturion/internal/blob"
	"github.com/maturion/maturion/internal/catalog"
	"github.com/maturion/maturion/internal/config"
	"github.com/maturion/maturion/internal/logger"
	"github.com/maturion/maturion/internal/services"
	"github.com/maturion/maturion/internal/store"
)

const version = "1.0.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "maturion",
	Short:         "Per-item maturity assessments with history-preserving import/export",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env vars only)")
	rootCmd.AddCommand(serveCmd, exportCmd, importCmd)
}

// app bundles the wired components every subcommand needs.
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *store.SQLiteStore
	catalog     *catalog.Catalog
	blobs       blob.Store
	lifecycle   *services.LifecycleService
	history     *services.HistoryService
	exports     *services.ExportService
	imports     *services.ImportService
	tags        *services.TagService
	attachments *services.AttachmentService
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Shared(cfg.Catalog.Path)
	if err != nil {
		st.Close()
		return nil, err
	}
	blobs, err := blob.NewFSStore(cfg.Storage.BlobDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	imports := services.NewImportService(st, blobs, log)
	imports.TimeTolerance = cfg.Import.TimeTolerance()
	imports.ScoreTolerance = cfg.Import.ScoreTolerance

	return &app{
		cfg:         cfg,
		log:         log,
		store:       st,
		catalog:     cat,
		blobs:       blobs,
		lifecycle:   services.NewLifecycleService(st, cat),
		history:     services.NewHistoryService(st),
		exports:     services.NewExportService(st, blobs, log, version, cat.Version()),
		imports:     imports,
		tags:        services.NewTagService(st),
		attachments: services.NewAttachmentService(st, blobs, log),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}
