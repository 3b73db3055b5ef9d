package agent

import "github.com/alehm/duet/pkg/mesh"

// Router meta-tool names.
const (
	toolListLocalTools = "list_local_tools"
	toolListMeshTools  = "list_mesh_tools"
	toolExploreFiles   = "explore_files"
	toolPeekFile       = "peek_file"
	toolGetToolSchemas = "get_tool_schemas"
	toolExecuteTask    = "execute_task"
)

const routerSystemPrompt = `You are a fast planning assistant. Decide whether to answer the user directly or to delegate the request to a more capable executor.

Answer directly when the request is conversational or can be satisfied from the conversation alone. Delegate with execute_task when the request needs tools.

Before delegating you MUST discover what tools exist: call list_local_tools and/or list_mesh_tools first, and use get_tool_schemas, explore_files or peek_file to gather whatever context the executor will need. When you call execute_task, pass a precise task description, any context the executor cannot discover itself, and the minimal set of tools it needs. Do not guess tool names; only request tools you saw in a listing.`

const executorSystemPrompt = `You are a capable assistant completing one concrete task with a curated set of tools. Work step by step, calling one tool at a time. When the task is done, or when asked to summarize, reply with a short plain-text summary of what was accomplished and stop calling tools.`

// metaTools returns the fixed router tool set.
func metaTools() []mesh.ToolDescriptor {
	object := func(properties map[string]interface{}, required ...string) map[string]interface{} {
		schema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}

	return []mesh.ToolDescriptor{
		{
			Name:        toolListLocalTools,
			Description: "List the locally implemented tools available to the executor.",
			InputSchema: object(map[string]interface{}{}),
			Source:      mesh.SourceLocal,
		},
		{
			Name:        toolListMeshTools,
			Description: "List the remote tool connections available on the mesh, with their tool names.",
			InputSchema: object(map[string]interface{}{}),
			Source:      mesh.SourceLocal,
		},
		{
			Name:        toolExploreFiles,
			Description: "List the files in a workspace directory.",
			InputSchema: object(map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory path relative to the workspace root. Defaults to the root.",
				},
			}),
			Source: mesh.SourceLocal,
		},
		{
			Name:        toolPeekFile,
			Description: "Read the beginning of a workspace file.",
			InputSchema: object(map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File path relative to the workspace root.",
				},
			}, "path"),
			Source: mesh.SourceLocal,
		},
		{
			Name:        toolGetToolSchemas,
			Description: "Fetch the full input schemas for every tool in one mesh connection.",
			InputSchema: object(map[string]interface{}{
				"connection_id": map[string]interface{}{
					"type":        "string",
					"description": "Connection id from list_mesh_tools.",
				},
			}, "connection_id"),
			Source: mesh.SourceLocal,
		},
		{
			Name:        toolExecuteTask,
			Description: "Delegate a concrete task to the capable executor with a curated tool subset. Requires a prior tool listing in this conversation.",
			InputSchema: object(map[string]interface{}{
				"task": map[string]interface{}{
					"type":        "string",
					"description": "Precise description of the task to complete.",
				},
				"context": map[string]interface{}{
					"type":        "string",
					"description": "Free-text context the executor cannot discover on its own.",
				},
				"tools": map[string]interface{}{
					"type":        "array",
					"description": "Tools the executor may use.",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"name":          map[string]interface{}{"type": "string"},
							"source":        map[string]interface{}{"type": "string", "enum": []interface{}{"local", "remote"}},
							"connection_id": map[string]interface{}{"type": "string"},
						},
						"required": []interface{}{"name", "source"},
					},
				},
			}, "task", "tools"),
			Source: mesh.SourceLocal,
		},
	}
}
