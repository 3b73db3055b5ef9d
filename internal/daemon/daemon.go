// Package daemon wires the full service together: config, logging,
// tracing, the mesh client and catalog, the agent, the command queue
// and the HTTP gateway.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/alehm/duet/internal/config"
	"github.com/alehm/duet/internal/logger"
	"github.com/alehm/duet/internal/observability"
	"github.com/alehm/duet/internal/tasklog"
	"github.com/alehm/duet/internal/tracing"
	"github.com/alehm/duet/pkg/agent"
	"github.com/alehm/duet/pkg/commandqueue"
	"github.com/alehm/duet/pkg/gateway"
	"github.com/alehm/duet/pkg/localtool"
	"github.com/alehm/duet/pkg/mesh"
)

// Daemon is the long-running duet service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	meshClient  *mesh.Client
	catalog     *mesh.Catalog
	localTools  *localtool.Registry
	taskLog     *tasklog.Store
	queue       *commandqueue.Queue
	gateway     *gateway.Server
	credWatcher *config.CredentialWatcher

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon from validated configuration.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	tracingEnabled := true
	if err := tracing.InitOpenTelemetry("duet"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: tracingEnabled,
	}

	if err := d.buildModules(); err != nil {
		cancel()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) buildModules() error {
	zl := d.logger.Zerolog()

	tokenProvider, err := d.buildTokenProvider(zl)
	if err != nil {
		return err
	}

	d.meshClient, err = mesh.NewClient(mesh.ClientConfig{
		BaseURL: d.config.Mesh.BaseURL,
		Token:   tokenProvider,
		Logger:  zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create mesh client: %w", err)
	}

	d.localTools = localtool.NewRegistry(zl)

	d.catalog, err = mesh.NewCatalog(mesh.CatalogConfig{
		Service:    d.meshClient,
		LocalTools: d.localTools.Descriptors(),
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create tool catalog: %w", err)
	}

	if d.config.TaskLog.Enabled {
		d.taskLog, err = tasklog.NewStore(tasklog.Config{
			Path:   d.config.TaskLog.Path,
			Logger: zl,
		})
		if err != nil {
			// The task log is an optional collaborator; a broken
			// journal must not keep the service down.
			d.logger.Warn().Err(err).Msg("Task log unavailable, continuing without it")
			d.taskLog = nil
		}
	}

	d.queue = commandqueue.New()

	if d.config.Gateway.Enabled {
		d.gateway, err = gateway.NewServer(gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: d.config.Gateway.SharedSecret,
			Queue:        d.queue,
			Dispatcher:   d.dispatch,
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
	}

	return nil
}

func (d *Daemon) buildTokenProvider(zl zerolog.Logger) (mesh.TokenProvider, error) {
	if d.config.Mesh.TokenFile != "" {
		watcher, err := config.NewCredentialWatcher(d.config.Mesh.TokenFile, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to watch mesh credential: %w", err)
		}
		d.credWatcher = watcher
		return watcher.Token, nil
	}

	token := d.config.Mesh.Token
	return func() (string, error) {
		if token == "" {
			return "", fmt.Errorf("no mesh token configured")
		}
		return token, nil
	}, nil
}

// dispatch runs one agent request. A fresh agent is assembled per
// dispatch so each run gets its own progress sink; the heavy
// collaborators (catalog, client, providers) are shared.
func (d *Daemon) dispatch(ctx context.Context, sink agent.ProgressSink, message string, history []agent.ConversationMessage) (string, error) {
	cfg := agent.Config{
		Catalog:              d.catalog,
		Remote:               d.meshClient,
		LocalTools:           d.localTools,
		FastProvider:         buildProvider(d.config.Models.Fast),
		FastModel:            d.config.Models.Fast.Model,
		SmartProvider:        buildProvider(d.config.Models.Smart),
		SmartModel:           d.config.Models.Smart.Model,
		WorkspaceRoot:        d.config.WorkspacePath,
		Sink:                 sink,
		Logger:               d.logger.Zerolog(),
		RouterIterationCap:   d.config.Agent.RouterIterationCap,
		ExecutorIterationCap: d.config.Agent.ExecutorIterationCap,
	}
	if d.taskLog != nil {
		cfg.TaskLog = d.taskLog
	}

	a, err := agent.New(cfg)
	if err != nil {
		return "", err
	}
	return a.Run(ctx, message, history)
}

func buildProvider(profile config.ModelProfile) agent.ModelProvider {
	switch profile.Provider {
	case "anthropic":
		return agent.NewAnthropicProvider(profile.APIKey)
	default:
		return agent.NewOpenAIProvider(profile.APIKey)
	}
}

// Start starts the daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	d.logger.Info().
		Str("mesh", d.config.Mesh.BaseURL).
		Bool("gateway", d.gateway != nil).
		Bool("tasklog", d.taskLog != nil).
		Msg("Daemon started")

	return nil
}

// Wait blocks until the daemon receives a termination signal or is
// stopped programmatically.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-d.ctx.Done():
	}
}

// Stop shuts everything down in reverse dependency order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Gateway shutdown error")
		}
	}

	if err := d.queue.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Queue shutdown error")
	}

	if d.taskLog != nil {
		if err := d.taskLog.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Task log close error")
		}
	}

	if d.credWatcher != nil {
		if err := d.credWatcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Credential watcher stop error")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Tracing shutdown error")
		}
	}

	d.cancel()

	d.logger.Info().
		Dur("uptime", time.Since(d.startTime)).
		Msg("Daemon stopped")

	return nil
}

// Uptime reports how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}
