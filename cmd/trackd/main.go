package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/go-tracks/internal/actor"
	"github.com/flitsinc/go-tracks/internal/ai"
	"github.com/flitsinc/go-tracks/internal/api"
	"github.com/flitsinc/go-tracks/internal/compaction"
	"github.com/flitsinc/go-tracks/internal/config"
	"github.com/flitsinc/go-tracks/internal/notify"
	"github.com/flitsinc/go-tracks/internal/retrieval"
	"github.com/flitsinc/go-tracks/internal/state"
)

const systemPrompt = `You are a research assistant working inside a long-running session. Use the available tools when they help, report findings factually and keep responses focused on the current objective.`

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := notify.NewBus()
	tools := actor.NewToolSet()

	var llmClient *ai.Client
	var summarizer compaction.Summarizer
	summaryModel := cfg.SummaryModel
	if cfg.LLMModel != "" && cfg.LLMAPIKey != "" {
		llmClient, err = ai.NewClient(ai.Config{
			Provider: cfg.LLMProvider,
			Model:    cfg.LLMModel,
			APIKey:   cfg.LLMAPIKey,
		})
		if err != nil {
			log.Printf("LLM disabled: %v", err)
		}
	}
	if llmClient != nil && summaryModel != "" {
		// Summarization gets its own client so the system prompt swap never
		// races a streaming turn.
		summaryClient, err := ai.NewClient(ai.Config{
			Provider: cfg.LLMProvider,
			Model:    ai.ResolveModelAlias(cfg.LLMProvider, summaryModel),
			APIKey:   cfg.LLMAPIKey,
		})
		if err != nil {
			log.Printf("compaction disabled: %v", err)
		} else {
			summarizer = compaction.NewLLMSummarizer(summaryClient)
		}
	}

	engine := compaction.NewEngine(store, bus, summarizer, ai.ResolveModelAlias(cfg.LLMProvider, summaryModel), log.Default())

	registry := actor.NewRegistry(actor.RegistryOptions{
		Store:        store,
		Bus:          bus,
		Streamer:     llmClient,
		Tools:        tools,
		Retriever:    retrieval.NewScorer(store),
		Compactor:    engine,
		SystemPrompt: systemPrompt,
		Provider:     cfg.LLMProvider,
		ToolTimeout:  time.Duration(cfg.ToolTimeoutMS) * time.Millisecond,
	})

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())

	apiServer := &api.Server{
		Store:     store,
		Registry:  registry,
		Bus:       bus,
		StartedAt: time.Now().UTC(),
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("trackd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
