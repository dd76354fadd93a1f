package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"specnerd/internal/config"
	"specnerd/internal/llm"
	"specnerd/internal/logging"
	"specnerd/internal/metrics"
	"specnerd/internal/orchestrator"
	"specnerd/internal/prompt"
	"specnerd/internal/session"
	"specnerd/internal/specialist"
	"specnerd/internal/store"
	"specnerd/internal/tools"
	"specnerd/internal/types"
	"specnerd/internal/usage"
)

// fallbackSpecialist receives the whole task when no usable plan exists.
const fallbackSpecialist = "fr_writer"

// app is the composition root shared by the commands.
type app struct {
	root      string
	cfg       *config.Config
	metrics   *metrics.Metrics
	registry  *specialist.Registry
	assembler *prompt.Assembler
	usage     *usage.Tracker
	orch      *orchestrator.Orchestrator
	server    *http.Server
}

func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		if ws, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	return filepath.Abs(ws)
}

func loadConfig(root string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(root)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg, nil
}

// newApp wires the orchestrator for the workspace. Without withModel no
// language model is created, which is enough for session maintenance.
func newApp(ctx context.Context, withModel bool) (*app, error) {
	root, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	if withModel {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	if err := logging.Initialize(root, cfg.Logging.ToLogging()); err != nil {
		return nil, err
	}

	a := &app{
		root:     root,
		cfg:      cfg,
		metrics:  metrics.New(prometheus.NewRegistry()),
		registry: specialist.NewRegistry(cfg.Specialists),
		usage:    usage.NewTracker(afero.NewOsFs(), root),
	}

	templates, err := loadTemplates(cfg)
	if err != nil {
		return nil, err
	}
	a.assembler = prompt.NewAssembler(templates, prompt.CompressionConfigFrom(cfg.History))

	var model types.LanguageModel
	if withModel {
		if model, err = llm.New(ctx, cfg.LLM); err != nil {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
		name := cfg.LLM.Model
		if name == "" {
			name = cfg.LLM.Provider
		}
		model = usage.NewMetered(model, a.usage, name)
	}

	planner := orchestrator.NewModelPlanner(model, a.registry, fallbackSpecialist, types.RequestOptions{},
		orchestrator.WithPlannerBackoff(cfg.GetBackoffBase()))
	a.orch, err = orchestrator.New(orchestrator.Config{
		Open:          a.openWorkspace,
		Planner:       planner,
		Model:         model,
		Metrics:       a.metrics,
		MaxActive:     cfg.Engine.MaxActiveSessions,
		SessionMaxAge: cfg.GetSessionMaxAge(),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	logger.Debug("Workspace ready",
		zap.String("workspace", root),
		zap.String("provider", cfg.LLM.Provider),
		zap.Bool("model", model != nil))
	return a, nil
}

func loadTemplates(cfg *config.Config) (*prompt.TemplateSet, error) {
	if cfg.Prompt.TemplateDir != "" {
		return prompt.LoadTemplateDir(cfg.Prompt.TemplateDir)
	}
	return prompt.LoadEmbeddedTemplates()
}

// openWorkspace builds the per-workspace collaborators of the engines.
func (a *app) openWorkspace(root string) (*orchestrator.Workspace, error) {
	sessions := session.NewManager(root,
		session.WithMetrics(a.metrics),
		session.WithWriteAttempts(a.cfg.Session.WriteAttempts),
		session.WithVersion(a.cfg.Version))

	checkpoints, err := store.NewCheckpointStore(a.cfg.CheckpointPath(root))
	if err != nil {
		return nil, err
	}
	if keep := a.cfg.GetCheckpointRetention(); keep > 0 {
		if _, err := checkpoints.PurgeOlderThan(context.Background(), time.Now().Add(-keep)); err != nil {
			logger.Warn("Checkpoint purge failed", zap.String("workspace", root), zap.Error(err))
		}
	}

	executor := specialist.NewExecutor(
		a.registry,
		a.registry.Budget(),
		a.assembler,
		tools.NewDefaultRegistry(tools.WithSessionLog(sessions)),
		specialist.WithMetrics(a.metrics),
		specialist.WithConfig(specialist.ExecutorConfig{
			EmptyResponseRetries: a.cfg.Executor.EmptyResponseRetries,
			BackoffBase:          a.cfg.GetBackoffBase(),
		}),
	)
	return &orchestrator.Workspace{Root: root, Sessions: sessions, Checkpoints: checkpoints, Executor: executor}, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
}

// Close flushes engine checkpoints and usage, and stops the metrics server.
func (a *app) Close() error {
	err := errors.Join(a.orch.Close(), a.usage.Save())
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = errors.Join(err, a.server.Shutdown(ctx))
	}
	logging.CloseAll()
	return err
}
