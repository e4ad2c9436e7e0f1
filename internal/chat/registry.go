// Package chat implements the completion pipeline: message preparation,
// the tool registry, parallel tool execution, and the orchestrator that
// drives the tool-call loop in both plain and streaming form.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// Registry maps tool names to their definitions. Safe for concurrent use;
// registration during an in-flight chat is visible to the next round.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*models.Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*models.Tool{}}
}

// Register adds or replaces a tool. The name must be non-empty and the
// tool must carry an executor.
func (r *Registry) Register(tool *models.Tool) error {
	if tool == nil || strings.TrimSpace(tool.Name) == "" {
		return cerrors.New(cerrors.CodeValidation, "a tool requires a name")
	}
	if tool.Execute == nil {
		return cerrors.New(cerrors.CodeValidation, fmt.Sprintf("tool %q has no executor", tool.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []*models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}
