package actor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flitsinc/go-tracks/internal/ai"
	"github.com/flitsinc/go-tracks/internal/notify"
	"github.com/flitsinc/go-tracks/internal/state"
)

// Registry hands out the single actor for each track. The first attach after
// process start runs restart recovery for that track.
type Registry struct {
	store        *state.Store
	bus          *notify.Bus
	streamer     ai.Streamer
	tools        Tools
	retriever    Retriever
	compactor    CompactionChecker
	systemPrompt string
	provider     string
	toolTimeout  time.Duration
	logger       *log.Logger

	mu     sync.Mutex
	actors map[string]*Actor
}

type RegistryOptions struct {
	Store        *state.Store
	Bus          *notify.Bus
	Streamer     ai.Streamer
	Tools        Tools
	Retriever    Retriever
	Compactor    CompactionChecker
	SystemPrompt string
	Provider     string
	ToolTimeout  time.Duration
	Logger       *log.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		store:        opts.Store,
		bus:          opts.Bus,
		streamer:     opts.Streamer,
		tools:        opts.Tools,
		retriever:    opts.Retriever,
		compactor:    opts.Compactor,
		systemPrompt: opts.SystemPrompt,
		provider:     opts.Provider,
		toolTimeout:  opts.ToolTimeout,
		logger:       logger,
		actors:       map[string]*Actor{},
	}
}

// Get returns the actor for a track, creating and recovering it on first
// use. The track must exist.
func (r *Registry) Get(ctx context.Context, trackID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[trackID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	track, err := r.store.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}

	a := New(trackID, Options{
		Store:         r.store,
		Bus:           r.bus,
		Streamer:      r.streamer,
		Tools:         r.tools,
		Retriever:     r.retriever,
		Compactor:     r.compactor,
		SystemPrompt:  r.systemPrompt,
		Provider:      r.provider,
		ContextWindow: ai.ContextWindowFor(r.provider, track.Model),
		ToolTimeout:   r.toolTimeout,
		Logger:        r.logger,
	})
	if err := a.Recover(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.actors[trackID]; ok {
		return existing, nil
	}
	r.actors[trackID] = a
	return a, nil
}
