package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flitsinc/go-tracks/internal/ai"
)

// ToolFunc executes one tool call.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// ToolSet is a registered collection of executable tools, shared across
// tracks.
type ToolSet struct {
	mu   sync.RWMutex
	defs []ai.ToolDef
	fns  map[string]ToolFunc
}

func NewToolSet() *ToolSet {
	return &ToolSet{fns: map[string]ToolFunc{}}
}

func (t *ToolSet) Register(def ai.ToolDef, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.fns[def.Name]; !ok {
		t.defs = append(t.defs, def)
	}
	t.fns[def.Name] = fn
}

func (t *ToolSet) Defs() []ai.ToolDef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ai.ToolDef, len(t.defs))
	copy(out, t.defs)
	return out
}

func (t *ToolSet) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t.mu.RLock()
	fn, ok := t.fns[name]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return fn(ctx, args)
}
