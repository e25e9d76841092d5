package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// permissiveSchema accepts any argument object, used when a tool registers
// without a schema.
const permissiveSchema = `{"type":"object"}`

// ToolFunc is the implementation of a registered tool. The returned value
// becomes the tool output; a returned error or panic is folded into a
// failed ToolResult, never propagated.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Outcome lets a tool control its full result shape instead of the default
// success wrapping.
type Outcome struct {
	Success bool
	Output  any
	Error   string
}

// Tool is a registered tool with its compiled argument schema.
type Tool struct {
	Definition ToolDefinition

	schema *jsonschema.Schema
	fn     ToolFunc
}

// Registry holds the tools available to runs. Registration happens at
// startup; runs take an immutable snapshot via GetAvailableFunctions so
// in-flight runs never observe registration changes.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. The definition's ParametersSchema must be a valid
// JSON Schema document; when empty, any argument object is accepted.
// Registering a duplicate name is an error.
func (r *Registry) Register(def ToolDefinition, fn ToolFunc) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return fmt.Errorf("tool %q: implementation is required", def.Name)
	}
	schemaJSON := def.ParametersSchema
	if schemaJSON == "" {
		schemaJSON = permissiveSchema
		def.ParametersSchema = permissiveSchema
	}
	schema, err := compileSchema(def.Name, schemaJSON)
	if err != nil {
		return fmt.Errorf("tool %q: invalid parameters schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q: already registered", def.Name)
	}
	r.tools[def.Name] = &Tool{Definition: def, schema: schema, fn: fn}
	return nil
}

// GetAvailableFunctions returns an immutable snapshot of the current tools.
func (r *Registry) GetAvailableFunctions() *Toolset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make(map[string]*Tool, len(r.tools))
	for name, t := range r.tools {
		tools[name] = t
	}
	return &Toolset{tools: tools}
}

// ResultMasker redacts sensitive material from rendered text before it
// reaches the conversation or the transcript. *masking.Masker satisfies it.
type ResultMasker interface {
	MaskText(s string) string
}

// Toolset is an immutable snapshot of registered tools, taken once per run
// so the advertised definitions and the invocable set cannot diverge while
// the run executes.
type Toolset struct {
	tools  map[string]*Tool
	masker ResultMasker
}

// Has reports whether the snapshot contains a tool with the given name.
func (ts *Toolset) Has(name string) bool {
	_, ok := ts.tools[name]
	return ok
}

// Restrict returns a snapshot narrowed to the named tools. Unknown names
// are ignored. An empty list means no restriction and returns the receiver
// unchanged.
func (ts *Toolset) Restrict(names []string) *Toolset {
	if len(names) == 0 {
		return ts
	}
	tools := make(map[string]*Tool, len(names))
	for _, name := range names {
		if t, ok := ts.tools[name]; ok {
			tools[name] = t
		}
	}
	return &Toolset{tools: tools, masker: ts.masker}
}

// WithMasking returns a snapshot whose invocation results pass through the
// given masker. A nil masker returns the receiver unchanged.
func (ts *Toolset) WithMasking(m ResultMasker) *Toolset {
	if m == nil {
		return ts
	}
	return &Toolset{tools: ts.tools, masker: m}
}

// Len returns the number of tools in the snapshot.
func (ts *Toolset) Len() int { return len(ts.tools) }

// Definitions returns the tool definitions sorted by name, as advertised
// to the LLM.
func (ts *Toolset) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(ts.tools))
	for _, t := range ts.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke executes a tool call and always returns a normalized result.
// Unknown tools, malformed arguments, schema violations, returned errors
// and panics all become Success=false results; Invoke never returns an
// error and never panics.
func (ts *Toolset) Invoke(ctx context.Context, call ToolCall) (result ToolResult) {
	result = ToolResult{CallID: call.ID, Name: call.Name}
	started := time.Now()
	defer func() {
		result.ExecutionTimeMS = time.Since(started).Milliseconds()
	}()
	defer func() {
		if ts.masker != nil {
			result = maskResult(ts.masker, result)
		}
	}()

	tool, ok := ts.tools[call.Name]
	if !ok {
		result.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		return result
	}

	raw := strings.TrimSpace(call.Arguments)
	if raw == "" {
		raw = "{}"
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		result.Error = fmt.Sprintf("invalid tool arguments: %v", err)
		return result
	}
	if err := tool.schema.Validate(parsed); err != nil {
		result.Error = fmt.Sprintf("tool arguments failed validation: %v", err)
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			result.Success = false
			result.Output = nil
			result.Error = fmt.Sprintf("tool panicked: %v", rec)
		}
	}()

	value, err := tool.fn(ctx, json.RawMessage(raw))
	if err != nil {
		result.Error = err.Error()
		return result
	}
	return normalizeResult(result, value)
}

// normalizeResult folds a raw tool return value into the result contract:
// values that already expose success/output semantics are used verbatim,
// anything else is wrapped as a successful output.
func normalizeResult(base ToolResult, value any) ToolResult {
	switch v := value.(type) {
	case Outcome:
		base.Success = v.Success
		base.Output = v.Output
		base.Error = v.Error
	case *Outcome:
		base.Success = v.Success
		base.Output = v.Output
		base.Error = v.Error
	case map[string]any:
		if success, ok := v["success"].(bool); ok {
			base.Success = success
			base.Output = v["output"]
			if msg, ok := v["error"].(string); ok {
				base.Error = msg
			}
			return base
		}
		base.Success = true
		base.Output = v
	default:
		base.Success = true
		base.Output = value
	}
	return base
}

// maskResult redacts the result's output and error text. The output is
// masked through its JSON rendering; when a replacement leaves the document
// unparseable the masked string itself becomes the output, so redacted text
// never regresses to the original.
func maskResult(m ResultMasker, r ToolResult) ToolResult {
	if r.Error != "" {
		r.Error = m.MaskText(r.Error)
	}
	if r.Output == nil {
		return r
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return r
	}
	masked := m.MaskText(string(data))
	if masked == string(data) {
		return r
	}
	var out any
	if err := json.Unmarshal([]byte(masked), &out); err != nil {
		r.Output = masked
		return r
	}
	r.Output = out
	return r
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
