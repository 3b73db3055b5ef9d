package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/alehm/duet/internal/observability"
	"github.com/alehm/duet/internal/tracing"
	"github.com/alehm/duet/pkg/mesh"
)

// maxResultInsert bounds how much of one tool result is re-inserted
// into the conversation.
const maxResultInsert = 8000

// maxPeekBytes bounds peek_file reads.
const maxPeekBytes = 16 * 1024

// runRouter drives the FAST phase: a bounded loop feeding the
// conversation plus the fixed meta-tool set to the planning model.
func (a *Agent) runRouter(ctx context.Context, logger zerolog.Logger, r *run) (string, error) {
	tools := metaTools()

	for i := 0; i < a.routerCap; i++ {
		r.iterations++

		turnCtx, span := tracing.StartSpan(ctx, "duet.agent", "agent.router_turn",
			attribute.Int("iteration", i),
		)
		outcome, err := a.fast.Complete(turnCtx, ModelRequest{
			Model:    a.fastModel,
			System:   routerSystemPrompt,
			Messages: r.messages,
			Tools:    tools,
		})
		span.End()
		if err != nil {
			return "", fmt.Errorf("planning model call failed: %w", err)
		}

		switch outcome.Kind {
		case OutcomeText:
			return outcome.Text, nil
		case OutcomeEmpty:
			return "I wasn't able to come up with a response for that.", nil
		}

		r.messages = append(r.messages, ConversationMessage{
			Role:    RoleAssistant,
			Content: describeToolTurn(outcome),
		})

		for _, call := range outcome.ToolCalls {
			if !r.repeatGuard.Allow(call.Name) {
				logger.Warn().Str("tool", call.Name).Msg("Router tool exceeded repeat threshold, skipping")
				observability.RecordLoopGuardTrip("router")
				r.appendToolTurn(call.Name, correctiveJSON(fmt.Sprintf(
					"You have already called %s several times. Stop repeating it and either use the information you have or answer the user.", call.Name)))
				continue
			}

			if call.Name == toolExecuteTask {
				if !r.listedTools {
					logger.Debug().Msg("execute_task rejected before tool listing")
					r.appendToolTurn(call.Name, correctiveJSON(
						"You must discover tools first: call list_local_tools or list_mesh_tools before execute_task."))
					continue
				}

				plan, planErr := parseExecutionPlan(call.Arguments)
				if planErr != nil {
					r.appendToolTurn(call.Name, correctiveJSON(planErr.Error()))
					continue
				}

				return a.runExecutor(ctx, logger, r, plan)
			}

			result, toolErr := a.execRouterTool(ctx, r, call)
			if toolErr != nil {
				if isFatalMeshError(toolErr) {
					return "", toolErr
				}
				logger.Warn().Err(toolErr).Str("tool", call.Name).Msg("Router tool failed")
				r.appendToolTurn(call.Name, correctiveJSON(toolErr.Error()))
				continue
			}

			r.toolsUsed = append(r.toolsUsed, call.Name)
			observability.RecordToolCall(call.Name, "router")
			r.appendToolTurn(call.Name, truncateResult(result))
		}
	}

	logger.Warn().Int("cap", a.routerCap).Msg("Router iteration cap reached")
	observability.RecordIterationCapHit("router")
	return "I couldn't complete that request within the planning budget. Try rephrasing or splitting it into smaller steps.", nil
}

// execRouterTool executes one meta-tool against the catalog and local
// collaborators, returning a serialized result for the conversation.
func (a *Agent) execRouterTool(ctx context.Context, r *run, call ToolCall) (string, error) {
	switch call.Name {
	case toolListLocalTools:
		r.listedTools = true
		descriptors := a.catalog.LocalTools()
		return marshalResult(map[string]interface{}{"tools": descriptors})

	case toolListMeshTools:
		r.listedTools = true
		connections, err := a.catalog.ListConnections(ctx)
		if err != nil {
			return "", err
		}
		summary := make([]map[string]interface{}, 0, len(connections))
		for _, conn := range connections {
			names := make([]string, 0, len(conn.Tools))
			for _, tool := range conn.Tools {
				names = append(names, tool.Name)
			}
			summary = append(summary, map[string]interface{}{
				"connection_id": conn.ID,
				"title":         conn.Title,
				"tool_count":    conn.ToolCount,
				"tools":         names,
			})
		}
		return marshalResult(map[string]interface{}{"connections": summary})

	case toolGetToolSchemas:
		connectionID, _ := call.Arguments["connection_id"].(string)
		if connectionID == "" {
			return correctiveJSON("get_tool_schemas requires a connection_id"), nil
		}
		detail, err := a.catalog.ConnectionDetails(ctx, connectionID)
		if err != nil {
			return "", err
		}
		return marshalResult(detail)

	case toolExploreFiles:
		path, _ := call.Arguments["path"].(string)
		return a.exploreFiles(path)

	case toolPeekFile:
		path, _ := call.Arguments["path"].(string)
		if path == "" {
			return correctiveJSON("peek_file requires a path"), nil
		}
		return a.peekFile(path)

	default:
		return correctiveJSON(fmt.Sprintf("unknown tool: %s", call.Name)), nil
	}
}

// exploreFiles lists one workspace directory.
func (a *Agent) exploreFiles(rel string) (string, error) {
	if a.workspaceRoot == "" {
		return correctiveJSON("no workspace is configured"), nil
	}
	dir, err := a.workspacePath(rel)
	if err != nil {
		return correctiveJSON(err.Error()), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return correctiveJSON(fmt.Sprintf("cannot read directory: %v", err)), nil
	}

	const maxEntries = 200
	listing := make([]map[string]interface{}, 0, len(entries))
	for i, entry := range entries {
		if i >= maxEntries {
			break
		}
		item := map[string]interface{}{
			"name": entry.Name(),
			"dir":  entry.IsDir(),
		}
		if info, infoErr := entry.Info(); infoErr == nil && !entry.IsDir() {
			item["size"] = info.Size()
		}
		listing = append(listing, item)
	}

	return marshalResult(map[string]interface{}{
		"path":    rel,
		"entries": listing,
	})
}

// peekFile reads the head of one workspace file.
func (a *Agent) peekFile(rel string) (string, error) {
	if a.workspaceRoot == "" {
		return correctiveJSON("no workspace is configured"), nil
	}
	path, err := a.workspacePath(rel)
	if err != nil {
		return correctiveJSON(err.Error()), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return correctiveJSON(fmt.Sprintf("cannot open file: %v", err)), nil
	}
	defer file.Close()

	buf := make([]byte, maxPeekBytes)
	n, _ := file.Read(buf)

	return marshalResult(map[string]interface{}{
		"path":      rel,
		"content":   string(buf[:n]),
		"truncated": n == maxPeekBytes,
	})
}

// workspacePath resolves a relative path inside the workspace root and
// rejects escapes.
func (a *Agent) workspacePath(rel string) (string, error) {
	cleaned := filepath.Clean("/" + rel)
	resolved := filepath.Join(a.workspaceRoot, cleaned)
	if resolved != a.workspaceRoot && !strings.HasPrefix(resolved, a.workspaceRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return resolved, nil
}

// parseExecutionPlan decodes execute_task arguments into a plan.
func parseExecutionPlan(args map[string]interface{}) (ExecutionPlan, error) {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ExecutionPlan{}, fmt.Errorf("execute_task requires a non-empty task description")
	}

	plan := ExecutionPlan{Task: task}
	plan.Context, _ = args["context"].(string)

	rawTools, ok := args["tools"].([]interface{})
	if !ok || len(rawTools) == 0 {
		return ExecutionPlan{}, fmt.Errorf("execute_task requires a non-empty tools list")
	}

	for _, raw := range rawTools {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return ExecutionPlan{}, fmt.Errorf("each tool entry must be an object with name and source")
		}
		name, _ := entry["name"].(string)
		source, _ := entry["source"].(string)
		if name == "" || (source != string(mesh.SourceLocal) && source != string(mesh.SourceRemote)) {
			return ExecutionPlan{}, fmt.Errorf("tool entries need a name and a source of local or remote")
		}
		req := ToolRequest{Name: name, Source: mesh.ToolSource(source)}
		req.ConnectionID, _ = entry["connection_id"].(string)
		plan.Tools = append(plan.Tools, req)
	}

	return plan, nil
}

// appendToolTurn records a tool result as a synthetic user turn.
func (r *run) appendToolTurn(tool, content string) {
	r.messages = append(r.messages, ConversationMessage{
		Role:    RoleUser,
		Content: fmt.Sprintf("Tool %s returned: %s", tool, content),
	})
}

func describeToolTurn(outcome TurnOutcome) string {
	if outcome.Text != "" {
		return outcome.Text
	}
	names := make([]string, 0, len(outcome.ToolCalls))
	for _, call := range outcome.ToolCalls {
		names = append(names, call.Name)
	}
	return fmt.Sprintf("(requesting tools: %s)", strings.Join(names, ", "))
}

// correctiveJSON packs a corrective instruction into an error object
// the model can read. It is data, not an exception.
func correctiveJSON(message string) string {
	body, _ := json.Marshal(map[string]string{"error": message})
	return string(body)
}

func marshalResult(value interface{}) (string, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialize tool result: %w", err)
	}
	return string(body), nil
}

func truncateResult(s string) string {
	if len(s) <= maxResultInsert {
		return s
	}
	// Back up to a rune boundary so the cut never produces invalid
	// UTF-8 in the conversation.
	cut := maxResultInsert
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}

// isFatalMeshError reports whether a tool failure must terminate the
// run instead of becoming a corrective turn.
func isFatalMeshError(err error) bool {
	var stale *mesh.StaleCredentialError
	var transport *mesh.TransportError
	var parse *mesh.ParseError
	return errors.As(err, &stale) || errors.As(err, &transport) || errors.As(err, &parse)
}
