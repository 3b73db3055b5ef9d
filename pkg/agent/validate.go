package agent

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/alehm/duet/pkg/mesh"
)

// validateArguments is the single validation step applied to every tool
// call before dispatch. It checks required fields (missing or empty
// strings both fail) and then runs the full JSON schema when one is
// present. Failures come back as *ValidationError so the executor can
// turn them into corrective turns.
func validateArguments(tool mesh.ToolDescriptor, args map[string]interface{}) error {
	if tool.InputSchema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	var missing []string
	if required, ok := tool.InputSchema["required"].([]interface{}); ok {
		for _, entry := range required {
			name, ok := entry.(string)
			if !ok {
				continue
			}
			value, present := args[name]
			if !present {
				missing = append(missing, name)
				continue
			}
			if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
				missing = append(missing, name)
			}
		}
	}
	if required, ok := tool.InputSchema["required"].([]string); ok {
		for _, name := range required {
			value, present := args[name]
			if !present {
				missing = append(missing, name)
				continue
			}
			if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Tool: tool.Name, Missing: missing}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
	if err != nil {
		// An uncompilable remote schema is the mesh's defect, not the
		// model's; skip schema enforcement rather than block the call.
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: tool.Name, Detail: err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return &ValidationError{Tool: tool.Name, Detail: fmt.Sprintf("schema validation failed: %s", strings.Join(details, "; "))}
	}

	return nil
}
