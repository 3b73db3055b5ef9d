package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alehm/duet/internal/observability"
	"github.com/alehm/duet/internal/tracing"
	"github.com/alehm/duet/pkg/mesh"
)

// imageSentinel replaces image payloads in conversation turns. The
// extracted data URL is handed to the sink's OnImage; binary content
// is never resent to the model.
const imageSentinel = "[IMAGE_OMITTED]"

// mutationVerbs are name tokens that denote a creation or mutation
// action for the successful-side-effect heuristic.
var mutationVerbs = map[string]struct{}{
	"create": {}, "add": {}, "send": {}, "post": {}, "write": {},
	"update": {}, "delete": {}, "remove": {}, "insert": {}, "upload": {},
	"set": {}, "schedule": {}, "publish": {}, "move": {}, "rename": {},
}

// runExecutor drives the SMART phase: a bounded loop against the
// capable model restricted to exactly the plan's tool subset. Control
// always returns to FAST afterwards.
func (a *Agent) runExecutor(ctx context.Context, logger zerolog.Logger, r *run, plan ExecutionPlan) (result string, err error) {
	a.sink.OnModeChange(ModeSmart)
	defer a.sink.OnModeChange(ModeFast)

	ctx, span := tracing.StartSpan(ctx, "duet.agent", "agent.executor",
		attribute.String("task", plan.Task),
		attribute.Int("requested_tools", len(plan.Tools)),
	)
	defer span.End()

	r.taskID = a.taskLog.createTask(ctx, r.id, plan.Task)
	a.taskLog.updateStatus(ctx, r.taskID, TaskStatusRunning)
	defer func() {
		status := TaskStatusCompleted
		if err != nil {
			status = TaskStatusFailed
		}
		a.taskLog.updateStatus(ctx, r.taskID, status)
	}()

	a.sink.OnProgress(fmt.Sprintf("Working on: %s", plan.Task))

	subset, err := a.resolvePlanTools(ctx, logger, plan)
	if err != nil {
		return "", err
	}

	messages := []ConversationMessage{{Role: RoleUser, Content: executorTaskMessage(plan)}}

	for i := 0; i < a.executorCap; i++ {
		r.iterations++

		turnCtx, turnSpan := tracing.StartSpan(ctx, "duet.agent", "agent.executor_turn",
			attribute.Int("iteration", i),
		)
		outcome, callErr := a.smart.Complete(turnCtx, ModelRequest{
			Model:    a.smartModel,
			System:   executorSystemPrompt,
			Messages: messages,
			Tools:    subset,
		})
		turnSpan.End()
		if callErr != nil {
			return "", fmt.Errorf("execution model call failed: %w", callErr)
		}

		switch outcome.Kind {
		case OutcomeText:
			return outcome.Text, nil
		case OutcomeEmpty:
			return a.partialResult(r, "The task ended without a final summary."), nil
		}

		messages = append(messages, ConversationMessage{
			Role:    RoleAssistant,
			Content: describeToolTurn(outcome),
		})

		for _, call := range outcome.ToolCalls {
			if a.sigGuardTripped(r, call) {
				logger.Warn().Str("tool", call.Name).Msg("Executor stuck in a loop, aborting")
				observability.RecordLoopGuardTrip("executor")
				return a.partialResult(r, fmt.Sprintf(
					"I stopped because I was stuck in a loop repeating %s with the same arguments.", call.Name)), nil
			}

			descriptor, found := findDescriptor(subset, call.Name)
			if !found {
				appendExecutorToolTurn(&messages, call.Name, correctiveJSON(fmt.Sprintf(
					"%s is not in your tool set. Use only the tools you were given.", call.Name)))
				continue
			}

			if vErr := validateArguments(descriptor, call.Arguments); vErr != nil {
				logger.Debug().Err(vErr).Str("tool", call.Name).Msg("Tool arguments rejected")
				appendExecutorToolTurn(&messages, call.Name, correctiveJSON(vErr.Error()))
				continue
			}

			a.sink.OnProgress(fmt.Sprintf("Running %s", call.Name))

			content, dispatchErr := a.dispatchTool(ctx, r, descriptor, call)
			if dispatchErr != nil {
				if isFatalMeshError(dispatchErr) {
					return "", dispatchErr
				}
				logger.Warn().Err(dispatchErr).Str("tool", call.Name).Msg("Tool call failed")
				appendExecutorToolTurn(&messages, call.Name, correctiveJSON(dispatchErr.Error()))
				continue
			}

			r.toolsUsed = append(r.toolsUsed, call.Name)
			observability.RecordToolCall(call.Name, "executor")
			a.taskLog.appendToolUsed(ctx, r.taskID, call.Name)
			a.taskLog.appendProgress(ctx, r.taskID, fmt.Sprintf("ran %s", call.Name))

			appendExecutorToolTurn(&messages, call.Name, truncateResult(content))

			// First creation/mutation call that did not error counts as
			// task completion; prompt for a summary instead of more work.
			if isMutationName(call.Name) {
				r.lastSideEffect = call.Name
				if !r.summarizing {
					r.summarizing = true
					messages = append(messages, ConversationMessage{
						Role:    RoleUser,
						Content: "That action succeeded. Summarize what was accomplished for the user and stop calling tools.",
					})
				}
			}
		}
	}

	logger.Warn().Int("cap", a.executorCap).Msg("Executor iteration cap reached")
	observability.RecordIterationCapHit("executor")
	return a.partialResult(r, "I ran out of execution budget before finishing the task."), nil
}

// sigGuardTripped records the call signature and reports loop
// detection.
func (a *Agent) sigGuardTripped(r *run, call ToolCall) bool {
	return r.sigGuard.Observe(call.Signature())
}

// dispatchTool routes one validated call to local execution or the
// mesh, normalizing the payload for re-insertion.
func (a *Agent) dispatchTool(ctx context.Context, r *run, descriptor mesh.ToolDescriptor, call ToolCall) (string, error) {
	if descriptor.Source == mesh.SourceLocal {
		output, err := a.local.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			return "", fmt.Errorf("local tool %s failed: %w", call.Name, err)
		}
		return marshalResult(map[string]interface{}{"result": output})
	}

	if a.remote == nil {
		return "", &ConfigurationError{Reason: "no mesh binding configured for remote tools"}
	}

	callCtx, span := tracing.StartSpan(ctx, "duet.mesh", "mesh.call_tool",
		attribute.String("connection_id", descriptor.ConnectionID),
		attribute.String("tool", call.Name),
	)
	result, err := a.remote.CallTool(callCtx, descriptor.ConnectionID, call.Name, call.Arguments)
	span.End()
	if err != nil {
		var remoteErr *mesh.RemoteToolError
		if errors.As(err, &remoteErr) {
			return "", remoteErr
		}
		return "", err
	}

	switch result.Kind {
	case mesh.ResultImage:
		a.sink.OnImage(result.DataURL)
		a.sink.OnProgress("Received an image result")
		return imageSentinel, nil
	case mesh.ResultStructured:
		return marshalResult(result.Structured)
	default:
		return result.Text, nil
	}
}

// resolvePlanTools maps the plan's tool requests onto full descriptors.
// A request that does not resolve against the catalog is dropped with a
// logged discrepancy; it is never substituted by a fuzzy match.
func (a *Agent) resolvePlanTools(ctx context.Context, logger zerolog.Logger, plan ExecutionPlan) ([]mesh.ToolDescriptor, error) {
	subset := make([]mesh.ToolDescriptor, 0, len(plan.Tools))

	for _, req := range plan.Tools {
		if req.Source == mesh.SourceLocal {
			descriptor, ok := a.catalog.ResolveLocal(req.Name)
			if !ok {
				logger.Warn().Str("tool", req.Name).
					Strs("suggestions", a.catalog.Suggest(req.Name)).
					Msg("Requested local tool not in catalog, dropping")
				continue
			}
			subset = append(subset, descriptor)
			continue
		}

		descriptor, ok, err := a.catalog.ResolveRemote(ctx, req.Name, req.ConnectionID)
		if err != nil {
			if isFatalMeshError(err) {
				return nil, err
			}
			logger.Warn().Err(err).Str("tool", req.Name).Msg("Remote tool resolution failed, dropping")
			continue
		}
		if !ok {
			logger.Warn().Str("tool", req.Name).
				Strs("suggestions", a.catalog.Suggest(req.Name)).
				Msg("Requested remote tool not in catalog, dropping")
			continue
		}
		subset = append(subset, descriptor)
	}

	return subset, nil
}

// partialResult builds the user-facing message for a run that ended
// without a model summary, preferring to mention the last known
// successful side effect.
func (a *Agent) partialResult(r *run, reason string) string {
	if r.lastSideEffect != "" {
		return fmt.Sprintf("%s The last action that completed successfully was %s.", reason, r.lastSideEffect)
	}
	return reason
}

func executorTaskMessage(plan ExecutionPlan) string {
	if plan.Context != "" {
		return fmt.Sprintf("Task: %s\n\nContext: %s", plan.Task, plan.Context)
	}
	return fmt.Sprintf("Task: %s", plan.Task)
}

func appendExecutorToolTurn(messages *[]ConversationMessage, tool, content string) {
	*messages = append(*messages, ConversationMessage{
		Role:    RoleUser,
		Content: fmt.Sprintf("Tool %s returned: %s", tool, content),
	})
}

func findDescriptor(subset []mesh.ToolDescriptor, name string) (mesh.ToolDescriptor, bool) {
	for _, descriptor := range subset {
		if descriptor.Name == name {
			return descriptor, true
		}
	}
	return mesh.ToolDescriptor{}, false
}

// isMutationName reports whether a tool name denotes a creation or
// mutation action. Names are matched token-wise, case-insensitively.
func isMutationName(name string) bool {
	for _, token := range strings.Split(strings.ToLower(name), "_") {
		if _, ok := mutationVerbs[token]; ok {
			return true
		}
	}
	return false
}
