// Package tools implements the tools exposed to the coding agent, their argument
// schemas, and the dispatcher that runs each invocation as a durable step.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"appbuilder/pkg/proto"
	"appbuilder/pkg/sandbox"
)

// SessionSource yields a live session for the run's sandbox. Each call may reconnect.
type SessionSource interface {
	Session(ctx context.Context) (sandbox.Session, error)
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func(ctx context.Context) (sandbox.Session, error)

// Session implements SessionSource.
func (f SessionFunc) Session(ctx context.Context) (sandbox.Session, error) { return f(ctx) }

// AgentContext carries the per-run collaborators a tool is created with.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type AgentContext struct {
	Sessions SessionSource
	Policy   *CommandPolicy // nil allows every command
	WorkDir  string
}

// Tool is one callable tool.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	// Exec runs the tool. Failures the model should see are reported in the result;
	// a returned error means the invocation itself could not complete.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// ArgumentChecker is implemented by tools that check arguments beyond their schema.
type ArgumentChecker interface {
	CheckArgs(args map[string]any) error
}

// ExecResult is the outcome of one tool execution.
type ExecResult struct {
	Content string       `json:"content"`
	Files   []proto.File `json:"files,omitempty"`
	Status  string       `json:"status"`
}

// ToolFactory creates a tool instance configured for a specific agent context.
type ToolFactory func(ctx AgentContext) (Tool, error)

// ToolMeta contains metadata about a tool for documentation and discovery.
type ToolMeta struct {
	Name        string
	Description string
	InputSchema InputSchema
}

// Definition returns the model-facing definition.
func (m *ToolMeta) Definition() ToolDefinition {
	return ToolDefinition{Name: m.Name, Description: m.Description, InputSchema: m.InputSchema}
}

//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type toolDescriptor struct {
	meta    ToolMeta
	factory ToolFactory
}

// immutableRegistry is the global, read-only tool registry.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]toolDescriptor
}

//nolint:gochecknoglobals // Factory pattern requires global registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]toolDescriptor),
}

// Register adds a tool factory to the global registry.
// Panics if called after the registry is sealed.
func Register(name string, factory ToolFactory, meta *ToolMeta) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool '%s'", name))
	}

	globalRegistry.tools[name] = toolDescriptor{
		meta:    *meta,
		factory: factory,
	}
}

// Seal prevents further tool registrations.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// ListTools returns metadata for all registered tools, sorted by name.
func ListTools() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(globalRegistry.tools))
	//nolint:gocritic // rangeValCopy: Direct access is clearer than pointer dereferencing
	for _, desc := range globalRegistry.tools {
		result = append(result, desc.meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ToolProvider creates and caches tool instances for one run.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type ToolProvider struct {
	ctx     AgentContext
	tools   map[string]Tool
	allowed []string
	mu      sync.Mutex
}

// NewProvider creates a ToolProvider for the given context and allowed tools.
// The allowed order is kept for Definitions. Seals the global registry.
func NewProvider(ctx AgentContext, allowedTools []string) *ToolProvider {
	Seal()

	return &ToolProvider{
		ctx:     ctx,
		tools:   make(map[string]Tool),
		allowed: append([]string(nil), allowedTools...),
	}
}

func (p *ToolProvider) isAllowed(name string) bool {
	for _, allowed := range p.allowed {
		if allowed == name {
			return true
		}
	}
	return false
}

// Get retrieves a tool instance, creating it lazily if needed.
func (p *ToolProvider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isAllowed(name) {
		return nil, fmt.Errorf("tool '%s' not allowed in this context", name)
	}

	if tool, ok := p.tools[name]; ok {
		return tool, nil
	}

	globalRegistry.mu.RLock()
	desc, exists := globalRegistry.tools[name]
	globalRegistry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("tool '%s' not registered", name)
	}

	tool, err := desc.factory(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool '%s': %w", name, err)
	}

	p.tools[name] = tool
	return tool, nil
}

// List returns metadata for all allowed tools in allowed order.
func (p *ToolProvider) List() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(p.allowed))
	for _, name := range p.allowed {
		if desc, ok := globalRegistry.tools[name]; ok {
			result = append(result, desc.meta)
		}
	}
	return result
}

// GenerateToolDocumentation renders the allowed tools as a markdown list for prompts.
func (p *ToolProvider) GenerateToolDocumentation() string {
	tools := p.List()
	if len(tools) == 0 {
		return "No tools available"
	}

	var doc strings.Builder
	doc.WriteString("## Available Tools\n\n")
	//nolint:gocritic // rangeValCopy: Direct access is clearer than pointer dereferencing
	for _, meta := range tools {
		doc.WriteString(fmt.Sprintf("- **%s** - %s\n", meta.Name, meta.Description))
	}
	return doc.String()
}
