// cmd/session.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/agent"
	"github.com/xkilldash9x/infant/internal/browser"
	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/config"
	"github.com/xkilldash9x/infant/internal/grounding"
	"github.com/xkilldash9x/infant/internal/helpers"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/store"
	"github.com/xkilldash9x/infant/internal/workspace"
)

// components holds the services of one session.
type components struct {
	SessionID string
	Agent     *agent.Agent
	Computer  *computer.Computer
	Metrics   *llmclient.Metrics
	DBPool    *pgxpool.Pool
	logger    *zap.Logger
}

// Shutdown releases the computer and the database pool.
func (c *components) Shutdown() {
	if c.Computer != nil {
		if err := c.Computer.Close(); err != nil {
			c.logger.Warn("Error during computer shutdown", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
	if c.Metrics != nil {
		c.logger.Info("Session cost", zap.String("session_id", c.SessionID), zap.Float64("total", c.Metrics.Total()), zap.Any("by_function", c.Metrics.ByFunction()))
	}
}

// initializeComponents wires the agent for one session. On error the
// partially built components are returned so the caller can shut them down.
func initializeComponents(ctx context.Context, cfg *config.Config, interactive bool, logger *zap.Logger) (*components, error) {
	c := &components{SessionID: uuid.NewString(), Metrics: llmclient.NewMetrics(), logger: logger}
	logger = logger.With(zap.String("session_id", c.SessionID))
	deps := agent.Deps{Metrics: c.Metrics, Interactive: interactive}
	opts := llmclient.Options{Metrics: c.Metrics}

	// 1. Audit store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return c, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.DBPool = pool
		st, err := store.New(ctx, pool, c.SessionID, logger)
		if err != nil {
			return c, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		opts.Observers = append(opts.Observers, st)
		deps.Recorder = st
	}

	// 2. Models
	if cfg.LLM.FeedbackMode {
		opts.Reviewer = llmclient.NewReviewer(os.Stdin, os.Stderr)
	}
	router, err := llmclient.NewRouterFromConfig(ctx, cfg.LLM, opts, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize LLM router: %w", err)
	}
	deps.Gateway = router.For(config.RoleMain)

	// 3. Computer and browser
	transport, err := computer.NewTransport(cfg.Computer, logger)
	if err != nil {
		return c, fmt.Errorf("failed to create transport: %w", err)
	}
	comp, err := computer.New(ctx, cfg.Computer, transport, logger)
	if err != nil {
		_ = transport.Close()
		return c, fmt.Errorf("failed to start computer: %w", err)
	}
	c.Computer = comp
	deps.Computer = comp

	page := browser.New(cfg.Browser, comp.Desktop().SaveScreenshot, logger)
	comp.SetBrowser(page, cfg.Browser.StartCommand)
	deps.Dropdowns = page

	// 4. Helpers
	deps.Localizer = grounding.New(cfg.Grounding, comp, page, router.For(config.RoleMain), router.For(config.RoleGrounding), logger)
	deps.LineDrift = helpers.NewLineDrift(router.For(config.RoleFileEdit), comp, cfg.Agent.LineDriftAttempts, logger)
	deps.ToolMaker = helpers.NewToolMaker(router.For(config.RoleToolMaker), comp, cfg.Agent.ToolMakerTimeout, logger)
	helpers.NewMedia(comp, router.Transcriber(), router.For(config.RoleMain), router.For(config.RoleVideo), logger).Register(comp)

	images, err := retrieval.NewScreenshotLoader(comp.FileSystem(), cfg.Computer.ScreenshotBackupDir, logger)
	if err != nil {
		return c, fmt.Errorf("failed to prepare screenshot loader: %w", err)
	}
	deps.Images = images

	// 5. Workspace snapshots
	if cfg.Agent.GitSnapshot {
		snaps, err := workspace.Open(cfg.Computer.MountPath, cfg.Git, logger)
		if err != nil {
			return c, fmt.Errorf("failed to open workspace repository: %w", err)
		}
		deps.Snapshots = snaps
	}

	c.Agent, err = agent.New(cfg.Agent, deps, logger)
	if err != nil {
		return c, err
	}
	logger.Info("Session ready", zap.Duration("turn_delay", cfg.Agent.TurnDelay), zap.Time("started", time.Now().UTC()))
	return c, nil
}
