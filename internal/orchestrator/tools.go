// Tool dispatch per §6 and the "Dynamic tool dispatch" design note in §9:
// a name-to-handler registry with a typed JSON-schema parameter contract,
// validated before dispatch rather than relying on runtime type coercion.
// Unknown tool names are reported back to the model as error results and
// never fail the surrounding generate() request.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatmemory/agentcore/internal/llm"
)

// ToolHandler executes one tool invocation and returns a JSON string result,
// per §6's "Tool handlers ... must return a JSON string" contract. Handlers
// may be synchronous or asynchronous; the registry always awaits them.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

type toolSchema struct {
	Type       string              `json:"type"`
	Properties map[string]any      `json:"properties"`
	Required   []string            `json:"required"`
}

type registeredTool struct {
	descriptor llm.Tool
	schema     toolSchema
	handler    ToolHandler
}

// ToolRegistry is the mapping from tool name to handler the orchestrator
// advertises to the model and dispatches against.
type ToolRegistry struct {
	tools map[string]*registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool with its JSON-schema parameter definition. schema
// must be valid JSON describing an object type with a "required" array;
// Register panics on malformed schema since this only runs at startup
// wiring time, never per-request.
func (r *ToolRegistry) Register(name, description string, schema json.RawMessage, handler ToolHandler) {
	var parsed toolSchema
	if err := json.Unmarshal(schema, &parsed); err != nil {
		panic(fmt.Sprintf("orchestrator: invalid tool schema for %q: %v", name, err))
	}
	r.tools[name] = &registeredTool{
		descriptor: llm.Tool{Name: name, Description: description, Parameters: schema},
		schema:     parsed,
		handler:    handler,
	}
}

// Descriptors returns the tool list the orchestrator advertises to generate().
func (r *ToolRegistry) Descriptors() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.descriptor)
	}
	return out
}

// Dispatch validates arguments against the registered schema's required
// fields and invokes the handler. Unknown tool names and schema validation
// failures are returned as plain errors for the caller to fold into a
// tool_result turn, per §6's "never fail the surrounding request" rule.
func (r *ToolRegistry) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("tool %q: malformed arguments: %w", call.Name, err)
		}
	}
	for _, req := range tool.schema.Required {
		if _, present := args[req]; !present {
			return "", fmt.Errorf("tool %q: missing required parameter %q", call.Name, req)
		}
	}

	return tool.handler(ctx, call.Arguments)
}
