// Package app wires the download engine from configuration. Both binaries build on it.
package app

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mangavault/internal/browser"
	"mangavault/internal/chapters"
	"mangavault/internal/downloader"
	"mangavault/internal/extractor"
	"mangavault/internal/process"
	"mangavault/internal/source"
	"mangavault/internal/storage"
	"mangavault/pkg/database"
	"mangavault/pkg/utils"
)

type Engine struct {
	Config    utils.Config
	DB        *sql.DB
	DBPath    string
	Sessions  *browser.Manager
	Records   *chapters.Repo
	Store     *storage.Store
	Source    *source.Client
	Pipeline  *extractor.Pipeline
	Downloads *downloader.Service

	log *zap.Logger
}

// New opens the database and builds the engine. The browser is launched lazily on the
// first extraction. Events of every run go to sink.
func New(cfg utils.Config, sink process.Sink, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dbCfg := database.DefaultConfig()
	if cfg.DBPath != "" {
		dbCfg.Path = cfg.DBPath
	}
	db, err := database.OpenMigrated(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	binding := extractor.NewVueCanvasBinding(browser.DefaultEvaluator(logger.Named("eval")))
	launcher := browser.NewRodLauncher(browser.RodConfig{
		ChromePath:        cfg.ChromePath,
		Headless:          cfg.Headless,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout,
		InitScripts:       binding.InitScripts(),
	}, logger)
	sessions := browser.NewManager(launcher, logger)

	e := &Engine{
		Config:   cfg,
		DB:       db,
		DBPath:   dbCfg.Path,
		Sessions: sessions,
		Records:  chapters.NewRepo(db, logger),
		Store:    storage.NewStore(cfg.ImagePath(), cfg.WriteWorkers, logger),
		Source: source.NewClient(cfg.BaseURL,
			source.WithAPIBaseURL(cfg.APIBaseURL),
			source.WithUserAgent(cfg.UserAgent),
			source.WithRateLimit(cfg.RequestsPerSecond),
			source.WithLogger(logger),
		),
		Pipeline: extractor.New(sessions, binding, PipelineConfig(cfg), logger),
		log:      logger,
	}
	e.Downloads = downloader.NewService(e.Source, e.Pipeline, e.Store, e.Records, sink, logger)
	return e, nil
}

// PipelineConfig maps the runtime configuration onto extraction tuning.
func PipelineConfig(cfg utils.Config) extractor.Config {
	pc := extractor.DefaultConfig()
	pc.Workers = cfg.ExtractWorkers
	pc.ItemAttempts = cfg.ItemAttempts
	pc.NavigationsPerSecond = cfg.RequestsPerSecond
	if cfg.ItemTimeout > 0 {
		pc.ItemTimeout = cfg.ItemTimeout
	}
	if cfg.PollInterval > 0 {
		pc.PollInterval = cfg.PollInterval
	}
	if cfg.PollRetries > 0 {
		pc.PollRetries = cfg.PollRetries
	}
	return pc
}

// Close tears the browser down and closes the database.
func (e *Engine) Close() error {
	var errs []error
	if err := e.Sessions.Teardown(); err != nil {
		errs = append(errs, fmt.Errorf("browser teardown: %w", err))
	}
	if err := e.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("db close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		e.log.Warn("engine close", zap.Error(err))
		return err
	}
	return nil
}
