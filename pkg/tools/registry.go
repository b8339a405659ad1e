package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrRegistrySealed means a tool was registered after startup.
	ErrRegistrySealed = errors.New("tools: registry sealed")
	// ErrDuplicateTool means the tool name is already taken.
	ErrDuplicateTool = errors.New("tools: duplicate tool name")
)

// Handler executes a tool call. It must honor ctx cancellation; the
// dispatcher cancels it on timeout or shutdown.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered operation the peer may invoke.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}

// descriptor is the tools/list wire shape.
type descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Registry is the write-once tool table: tools are registered during
// startup, the registry is sealed, and reads are lock-free thereafter.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	byName map[string]*Tool
	names  []string // sorted, fixed at seal time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Tool)}
}

// Register adds a tool. Fails after Seal or on a duplicate name.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tools: empty tool name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %s has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, exists := r.byName[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.byName[t.Name] = &t
	return nil
}

// Seal freezes the registry. Call once when startup registration is done.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.sealed = true
	r.names = make([]string, 0, len(r.byName))
	for name := range r.byName {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
}

// Lookup returns the named tool. Only valid after Seal.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.byName)
}

// Page returns up to limit descriptors starting at the cursor position, plus
// the cursor for the next page ("" when exhausted).
func (r *Registry) Page(cursor string, limit int) ([]descriptor, string) {
	start := 0
	if cursor != "" {
		// The cursor is the name to start after.
		start = sort.SearchStrings(r.names, cursor)
		if start < len(r.names) && r.names[start] == cursor {
			start++
		}
	}

	end := start + limit
	if end > len(r.names) {
		end = len(r.names)
	}

	page := make([]descriptor, 0, end-start)
	for _, name := range r.names[start:end] {
		t := r.byName[name]
		page = append(page, descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema.toInputSchema(),
		})
	}

	next := ""
	if end < len(r.names) {
		next = r.names[end-1]
	}
	return page, next
}
