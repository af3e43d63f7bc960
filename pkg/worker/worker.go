package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/igolaizola/acecover/pkg/acestep"
	"github.com/igolaizola/acecover/pkg/cover"
	"github.com/igolaizola/acecover/pkg/filestore"
	"github.com/igolaizola/acecover/pkg/lifecycle"
	"github.com/igolaizola/acecover/pkg/metrics"
	"github.com/igolaizola/acecover/pkg/storage"
)

// Config is shared by every command that runs jobs.
type Config struct {
	Debug   bool
	Version string

	// Model
	Model      string
	Root       string
	Device     string
	LoadPolicy string
	Preload    bool
	Python     string
	BridgeCmd  string
	TempDir    string

	// Job history (optional)
	DBType    string
	DBConn    string
	DBMigrate bool

	// Audio archive (optional)
	FSType string
	FSConn string
}

// Worker groups the components needed to run jobs.
type Worker struct {
	Handler *cover.Handler
	Models  *lifecycle.Manager
	Metrics *metrics.Metrics
	Archive *filestore.Store

	runtime *acestep.Runtime
	store   *storage.Store
}

// New creates the worker components. The model isn't loaded unless Preload
// is set, in which case it starts loading in the background.
func New(ctx context.Context, cfg *Config) (*Worker, error) {
	policy, err := lifecycle.ParsePolicy(cfg.LoadPolicy)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	w := &Worker{
		Metrics: metrics.New(),
	}
	w.runtime = acestep.New(&acestep.Config{
		Python:  cfg.Python,
		Command: strings.Fields(cfg.BridgeCmd),
		Debug:   cfg.Debug,
	})
	w.Models = lifecycle.New(w.runtime, &lifecycle.Config{
		Debug:  cfg.Debug,
		Model:  cfg.Model,
		Root:   cfg.Root,
		Device: cfg.Device,
		Policy: policy,
		OnLoad: w.Metrics.ObserveLoad,
	})

	handlerCfg := &cover.Config{
		Version:  cfg.Version,
		TempDir:  cfg.TempDir,
		Debug:    cfg.Debug,
		Models:   w.Models,
		Engine:   w.runtime,
		Observer: &observer{metrics: w.Metrics, models: w.Models},
	}

	if cfg.DBType != "" {
		store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
		if err != nil {
			return nil, fmt.Errorf("worker: couldn't create orm store: %w", err)
		}
		if err := store.Start(ctx); err != nil {
			return nil, fmt.Errorf("worker: couldn't start orm store: %w", err)
		}
		if cfg.DBMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("worker: couldn't migrate orm store: %w", err)
			}
		}
		w.store = store
		handlerCfg.History = store
	}

	if cfg.FSType != "" {
		fs, err := filestore.New(cfg.FSType, cfg.FSConn, cfg.Debug)
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("worker: couldn't create file storage: %w", err)
		}
		w.Archive = fs
		handlerCfg.Archive = fs
	}

	w.Handler = cover.New(handlerCfg)

	if cfg.Preload {
		go func() {
			_ = w.Models.Preload(ctx)
		}()
	}
	return w, nil
}

// Close stops the model bridge and closes the job history.
func (w *Worker) Close() error {
	var errs []error
	if w.runtime != nil {
		if err := w.runtime.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("worker: couldn't close: %v\n", err)
		return err
	}
	return nil
}

// observer forwards job timings to the metrics and keeps the loaded gauge in
// sync with the model state.
type observer struct {
	metrics *metrics.Metrics
	models  *lifecycle.Manager
}

func (o *observer) ObserveJob(source, result string, elapsed time.Duration) {
	o.metrics.ObserveJob(source, result, elapsed)
	o.metrics.SetLoaded(o.models.Loaded())
}

func (o *observer) ObserveInference(elapsed time.Duration) {
	o.metrics.ObserveInference(elapsed)
}
