// Package app wires configuration into a ready pipeline backed by the ONNX
// model server and the run ledger.
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/config"
	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/pipeline"
	"github.com/Brownie44l1/fer-ig/internal/preprocess"
	"github.com/Brownie44l1/fer-ig/internal/store"
)

type App struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	server   *model.Server
	ledger   *store.Ledger
}

// New loads the model and opens the ledger. Callers must Close the App.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	norm, err := preprocess.ParseNormalization(cfg.Model.Normalization)
	if err != nil {
		return nil, err
	}

	logger.Info("loading model",
		zap.String("model", cfg.Model.Path), zap.String("metadata", cfg.Model.MetadataPath))
	srv, err := model.NewServer(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.LibraryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model server: %w", err)
	}

	a := &App{Config: cfg, server: srv}
	p, err := a.newPipeline(srv, norm, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pipeline = p

	logger.Info("model loaded", zap.Strings("classes", srv.Metadata().Classes))
	return a, nil
}

func (a *App) newPipeline(m model.Model, norm preprocess.Normalization, logger *zap.Logger) (*pipeline.Pipeline, error) {
	cfg := a.Config
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	if cfg.Output.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger dir: %w", err)
		}
		ledger, err := store.OpenLedger(cfg.Output.DBPath)
		if err != nil {
			return nil, err
		}
		a.ledger = ledger
	}

	return &pipeline.Pipeline{
		Model:         m,
		Normalization: norm,
		Steps:         cfg.Attribution.Steps,
		BatchSize:     cfg.Attribution.BatchSize,
		TopK:          cfg.Attribution.TopK,
		OutputDir:     cfg.Output.Dir,
		Ledger:        a.ledger,
		Logger:        logger,
	}, nil
}

// OpenLedger opens the configured ledger without loading a model.
func OpenLedger(cfg *config.Config) (*store.Ledger, error) {
	if cfg.Output.DBPath == "" {
		return nil, fmt.Errorf("no ledger configured")
	}
	return store.OpenLedger(cfg.Output.DBPath)
}

func (a *App) Close() {
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.server != nil {
		a.server.Close()
	}
}
