// Package agent implements the two-phase orchestration core: a cheap
// FAST router that discovers tools and decides whether to answer or
// delegate, and a capable SMART executor that completes a concrete task
// with a curated tool subset.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alehm/duet/internal/observability"
	"github.com/alehm/duet/internal/tracing"
	"github.com/alehm/duet/pkg/localtool"
	"github.com/alehm/duet/pkg/mesh"
)

// Iteration caps for the two phases. They are the only backpressure on
// the number of model/tool round trips per run.
const (
	defaultRouterIterationCap   = 10
	defaultExecutorIterationCap = 30
)

// RemoteCaller dispatches one tool call to the mesh.
type RemoteCaller interface {
	CallTool(ctx context.Context, connectionID, toolName string, args map[string]interface{}) (mesh.ToolResult, error)
}

// Config holds agent configuration.
type Config struct {
	Catalog    *mesh.Catalog
	Remote     RemoteCaller
	LocalTools *localtool.Registry

	FastProvider ModelProvider
	FastModel    string

	SmartProvider ModelProvider
	SmartModel    string

	// WorkspaceRoot is the directory explore_files and peek_file read.
	WorkspaceRoot string

	Sink    ProgressSink
	TaskLog TaskLog
	Logger  zerolog.Logger

	// Overrides for the loop bounds; zero keeps the defaults.
	RouterIterationCap   int
	ExecutorIterationCap int
	RepeatThreshold      int
	LoopLimit            int
}

// Agent composes the catalog, RPC client and model providers to run
// one request end to end.
type Agent struct {
	catalog *mesh.Catalog
	remote  RemoteCaller
	local   *localtool.Registry

	fast      ModelProvider
	fastModel string

	smart      ModelProvider
	smartModel string

	workspaceRoot string
	sink          *safeSink
	taskLog       *bestEffortTaskLog
	logger        zerolog.Logger

	routerCap       int
	executorCap     int
	repeatThreshold int
	loopLimit       int
}

// run is the ephemeral per-invocation state. It is owned by exactly one
// goroutine for the lifetime of the run.
type run struct {
	id             string
	messages       []ConversationMessage
	iterations     int
	toolsUsed      []string
	listedTools    bool
	repeatGuard    *routerGuard
	sigGuard       *signatureGuard
	lastSideEffect string
	summarizing    bool
	taskID         string
}

// New creates an agent. A missing catalog, provider or model name is a
// configuration error: the agent would be unable to complete any run.
func New(cfg Config) (*Agent, error) {
	observability.EnsureRegistered()

	if cfg.Catalog == nil {
		return nil, &ConfigurationError{Reason: "tool catalog is required"}
	}
	if cfg.FastProvider == nil || cfg.FastModel == "" {
		return nil, &ConfigurationError{Reason: "planning (FAST) provider and model are required"}
	}
	if cfg.SmartProvider == nil || cfg.SmartModel == "" {
		return nil, &ConfigurationError{Reason: "execution (SMART) provider and model are required"}
	}
	if cfg.Remote == nil && cfg.LocalTools == nil {
		return nil, &ConfigurationError{Reason: "agent has neither a mesh binding nor local tools"}
	}

	local := cfg.LocalTools
	if local == nil {
		local = localtool.NewRegistry(cfg.Logger)
	}

	routerCap := cfg.RouterIterationCap
	if routerCap <= 0 {
		routerCap = defaultRouterIterationCap
	}
	executorCap := cfg.ExecutorIterationCap
	if executorCap <= 0 {
		executorCap = defaultExecutorIterationCap
	}

	return &Agent{
		catalog:         cfg.Catalog,
		remote:          cfg.Remote,
		local:           local,
		fast:            cfg.FastProvider,
		fastModel:       cfg.FastModel,
		smart:           cfg.SmartProvider,
		smartModel:      cfg.SmartModel,
		workspaceRoot:   cfg.WorkspaceRoot,
		sink:            newSafeSink(cfg.Sink, cfg.Logger),
		taskLog:         newBestEffortTaskLog(cfg.TaskLog, cfg.Logger),
		logger:          cfg.Logger,
		routerCap:       routerCap,
		executorCap:     executorCap,
		repeatThreshold: cfg.RepeatThreshold,
		loopLimit:       cfg.LoopLimit,
	}, nil
}

// Run executes one request: router phase, optional executor hand-off,
// back to the router's caller. The returned string is the user-facing
// result. Fatal conditions (stale credential, transport failure,
// malformed mesh responses) come back as errors for the surrounding
// surface to render.
func (a *Agent) Run(ctx context.Context, userMessage string, history []ConversationMessage) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}

	r := &run{
		id:          uuid.New().String(),
		messages:    append(pruneHistory(history), ConversationMessage{Role: RoleUser, Content: userMessage}),
		repeatGuard: newRouterGuard(a.repeatThreshold),
		sigGuard:    newSignatureGuard(a.loopLimit),
	}

	ctx = tracing.WithRunID(ctx, r.id)
	ctx, span := tracing.StartSpan(ctx, "duet.agent", "agent.run",
		attribute.String("run_id", r.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, a.logger).With().Str("run_id", r.id).Logger()

	start := time.Now()
	a.sink.OnModeChange(ModeFast)

	result, err := a.runRouter(ctx, logger, r)

	if err != nil {
		observability.RecordAgentRun(a.fast.Provider(), time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Agent run failed")
		return "", err
	}

	observability.RecordAgentRun(a.fast.Provider(), time.Since(start), true)
	logger.Info().
		Int("iterations", r.iterations).
		Strs("tools_used", r.toolsUsed).
		Dur("duration", time.Since(start)).
		Msg("Agent run completed")

	return result, nil
}
