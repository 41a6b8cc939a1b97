package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quietlabs/valet/internal/bus"
	"github.com/quietlabs/valet/internal/classify"
	"github.com/quietlabs/valet/internal/config"
	"github.com/quietlabs/valet/internal/cron"
	"github.com/quietlabs/valet/internal/memory"
	"github.com/quietlabs/valet/internal/models"
	"github.com/quietlabs/valet/internal/router"
)

// Options allow injecting fakes for testing and overriding storage paths.
type Options struct {
	Provider   models.Provider
	Embedder   memory.Embedder
	DBPath     string
	CronPath   string
	SignalChan chan os.Signal
}

// Gateway wires the assistant together: classifier, model selection,
// memory, handler registry, scheduler and the async note queue.
type Gateway struct {
	cfg      *config.Config
	provider models.Provider
	engine   *memory.Engine
	queue    *bus.WriteQueue
	registry *router.Registry
	router   *router.Router
	cron     *cron.Service

	signalChan   chan os.Signal
	stopConsumer context.CancelFunc
	consumerDone chan struct{}
}

// New builds a Gateway from configuration. All configuration problems
// surface here, before any request is served.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provider := opts.Provider
	if provider == nil {
		var err error
		provider, err = models.NewProvider(cfg.Provider)
		if err != nil {
			return nil, err
		}
	}

	selector := models.NewSelector(cfg.Models)
	if err := selector.Validate(); err != nil {
		return nil, err
	}

	embedder := opts.Embedder
	if embedder == nil && cfg.Memory.Embedding.Enabled {
		apiKey := cfg.Memory.Embedding.APIKey
		if apiKey == "" {
			apiKey = cfg.Provider.APIKey
		}
		embedder = memory.NewOpenAIEmbedder(cfg.Memory.Embedding.Model, apiKey, cfg.Memory.Embedding.BaseURL)
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = strings.TrimSpace(cfg.Memory.DBPath)
	}
	if dbPath == "" {
		dbPath = filepath.Join(config.DataDir(), "memory.db")
	}
	engine, err := memory.NewEngine(dbPath, memory.Options{
		Embedder:            embedder,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		RecallLimit:         cfg.Memory.RecallLimit,
		DecayInterval:       cfg.DecayIntervalDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory engine: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		provider: provider,
		engine:   engine,
		queue:    bus.NewWriteQueue(cfg.Router.QueueSize),
		registry: router.NewRegistry(),
	}

	cronPath := opts.CronPath
	if cronPath == "" {
		cronPath = filepath.Join(config.DataDir(), "cron", "jobs.json")
	}
	g.cron = cron.NewService(cronPath)
	g.cron.OnJob = g.handleJob

	if err := g.registry.Register(remindersDescriptor(g.cron, provider)); err != nil {
		_ = engine.Close()
		return nil, err
	}

	g.router = router.New(
		classify.New(cfg.Classifier),
		selector,
		g.registry,
		engine,
		g.queue,
		router.Options{
			HandlerTimeout: time.Duration(cfg.Router.HandlerTimeout) * time.Second,
			ContextLimit:   cfg.Router.ContextLimit,
			Fallback:       router.GeneralDescriptor(provider),
		},
	)

	g.signalChan = opts.SignalChan
	return g, nil
}

// Register adds a specialized handler. Must be called before Run.
func (g *Gateway) Register(d router.Descriptor) error {
	return g.registry.Register(d)
}

// Process runs one user turn end to end.
func (g *Gateway) Process(ctx context.Context, conversation, text string, attachments []string) (router.Reply, error) {
	return g.router.Dispatch(ctx, router.Request{
		Conversation: conversation,
		Text:         text,
		Attachments:  attachments,
	})
}

// Remember exposes direct memory writes (onboarding, explicit "remember
// that ..." flows).
func (g *Gateway) Remember(ctx context.Context, category, content string) (memory.Record, error) {
	return g.engine.Remember(ctx, category, content, memory.WriteOptions{Source: "user"})
}

// handleJob dispatches fired cron jobs: internal maintenance payloads run
// against the memory engine, reminder payloads are delivered as system
// notices.
func (g *Gateway) handleJob(job cron.Job) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch job.Payload.Kind {
	case "memory-compact":
		n, err := g.engine.CompactDecayed(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("compacted %d decayed records", n), nil
	case "memory-reconcile":
		removed, backfilled, err := g.engine.Reconcile(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d orphans, backfilled %d embeddings", removed, backfilled), nil
	case "reminder":
		log.Printf("[gateway] reminder due: %s", job.Payload.Message)
		_, err := g.engine.Remember(ctx, memory.CategorySystem,
			"reminder delivered: "+job.Payload.Message,
			memory.WriteOptions{Source: "cron"})
		if err != nil {
			return "", err
		}
		return "delivered", nil
	default:
		return "", fmt.Errorf("unknown job payload kind %q", job.Payload.Kind)
	}
}

// ensureMaintenanceJobs installs the nightly memory upkeep schedule.
func (g *Gateway) ensureMaintenanceJobs() error {
	if _, err := g.cron.EnsureJob("memory-compact",
		cron.Schedule{Kind: "cron", Expr: "0 0 3 * * *"},
		cron.Payload{Kind: "memory-compact"}); err != nil {
		return err
	}
	_, err := g.cron.EnsureJob("memory-reconcile",
		cron.Schedule{Kind: "cron", Expr: "0 0 4 * * *"},
		cron.Payload{Kind: "memory-reconcile"})
	return err
}

// Start brings up the background machinery without blocking: the note
// consumer, the scheduler and its maintenance jobs.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.cron.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	g.stopConsumer = cancel
	g.consumerDone = make(chan struct{})
	go func() {
		defer close(g.consumerDone)
		g.queue.Consume(consumerCtx, g.persistNote)
	}()
	return nil
}

// persistNote turns a completed turn into an interaction-insight record.
func (g *Gateway) persistNote(note bus.InteractionNote) error {
	outcome := "answered"
	if !note.Success {
		outcome = "failed (" + note.ErrKind + ")"
	}
	content := fmt.Sprintf("asked %q; %s by %s", truncate(note.Query, 200), outcome, note.Handler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := g.engine.Remember(ctx, memory.CategoryInsight, content, memory.WriteOptions{
		Source: "router",
		Metadata: map[string]any{
			"conversation": note.Conversation,
			"handler":      note.Handler,
			"success":      note.Success,
		},
	})
	return err
}

// Run starts the gateway and blocks until a termination signal.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return err
	}
	log.Printf("[gateway] running, handlers: %v", g.registry.Names())

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// Status is a point-in-time operational snapshot.
type Status struct {
	Memory     memory.Stats
	QueueDepth int
	Dropped    int64
	Handlers   []string
	Jobs       int
}

func (g *Gateway) Status(ctx context.Context) (Status, error) {
	stats, err := g.engine.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Memory:     stats,
		QueueDepth: g.queue.Len(),
		Dropped:    g.queue.Dropped(),
		Handlers:   append(g.registry.Names(), "general"),
		Jobs:       len(g.cron.ListJobs()),
	}, nil
}

// Shutdown stops background work in dependency order: scheduler first, then
// the note consumer, then the store.
func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.stopConsumer != nil {
		g.stopConsumer()
		select {
		case <-g.consumerDone:
		case <-time.After(5 * time.Second):
			log.Printf("[gateway] note consumer did not stop in time")
		}
	}
	if err := g.engine.Close(); err != nil {
		log.Printf("[gateway] close memory engine warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
