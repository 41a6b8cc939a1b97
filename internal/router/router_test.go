package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quietlabs/valet/internal/bus"
	"github.com/quietlabs/valet/internal/classify"
	"github.com/quietlabs/valet/internal/config"
	"github.com/quietlabs/valet/internal/memory"
	"github.com/quietlabs/valet/internal/models"
)

type stubProvider struct {
	reply string
	err   error
}

func (p stubProvider) Complete(_ context.Context, req models.CompletionRequest) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if p.reply != "" {
		return p.reply, nil
	}
	return "answer to: " + req.Prompt, nil
}

type handlerFunc func(ctx context.Context, req Request, recalled []memory.Scored, params models.Params) (Result, error)

func (f handlerFunc) Handle(ctx context.Context, req Request, recalled []memory.Scored, params models.Params) (Result, error) {
	return f(ctx, req, recalled, params)
}

type stubRecaller struct {
	hits []memory.Scored
	err  error
}

func (s stubRecaller) Recall(context.Context, memory.RecallQuery) ([]memory.Scored, error) {
	return s.hits, s.err
}

func newTestRouter(t *testing.T, registry *Registry, recaller Recaller, queue *bus.WriteQueue, timeout time.Duration) *Router {
	t.Helper()
	cfg := config.DefaultConfig()
	return New(
		classify.New(cfg.Classifier),
		models.NewSelector(cfg.Models),
		registry,
		recaller,
		queue,
		Options{
			HandlerTimeout: timeout,
			Fallback:       GeneralDescriptor(stubProvider{}),
		},
	)
}

func TestDispatchUnmatchedGoesToGeneral(t *testing.T) {
	queue := bus.NewWriteQueue(8)
	r := newTestRouter(t, NewRegistry(), nil, queue, time.Second)

	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "what time is it"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.State != StateCompleted {
		t.Fatalf("state = %s, want completed", reply.State)
	}
	if reply.Handler != "general" {
		t.Fatalf("handler = %s, want general", reply.Handler)
	}
	if !strings.Contains(reply.Text, "what time is it") {
		t.Fatalf("unexpected reply text: %q", reply.Text)
	}
}

func TestDispatchFallbackForcesSimpleGeneral(t *testing.T) {
	var gotParams models.Params
	cfg := config.DefaultConfig()
	r := New(
		classify.New(cfg.Classifier),
		models.NewSelector(cfg.Models),
		NewRegistry(),
		nil,
		bus.NewWriteQueue(8),
		Options{
			HandlerTimeout: time.Second,
			Fallback: Descriptor{
				Name: "general",
				Handler: handlerFunc(func(_ context.Context, _ Request, _ []memory.Scored, params models.Params) (Result, error) {
					gotParams = params
					return Result{Text: "ok"}, nil
				}),
			},
		},
	)

	// Classifies as domain=email with enough depth markers for a complex
	// tier, but nothing serves email.
	text := "analyze my email inbox and compare and contrast every newsletter in detail please"
	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: text})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.Handler != "general" {
		t.Fatalf("handler = %s, want general", reply.Handler)
	}
	if reply.Tier != classify.TierSimple || reply.Domain != classify.DomainGeneral {
		t.Fatalf("fallback reply tier/domain = %s/%s, want simple/general", reply.Tier, reply.Domain)
	}
	want := cfg.Models.Tiers["simple"]
	if gotParams.Model != want.Model {
		t.Fatalf("fallback params model = %s, want simple-tier %s", gotParams.Model, want.Model)
	}
}

func TestDispatchMatchedHandler(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(Descriptor{
		Name:    "search",
		Domains: []string{"search"},
		Handler: handlerFunc(func(ctx context.Context, req Request, _ []memory.Scored, _ models.Params) (Result, error) {
			return Result{Text: "search results", Citations: []string{"https://example.com"}}, nil
		}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r := newTestRouter(t, registry, nil, bus.NewWriteQueue(8), time.Second)
	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "search for the latest news"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.Handler != "search" || len(reply.Citations) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestDispatchPriorityAndRegistrationOrder(t *testing.T) {
	registry := NewRegistry()
	mk := func(name string, priority int) Descriptor {
		return Descriptor{
			Name:     name,
			Priority: priority,
			Matches:  func(Request, classify.Result) bool { return true },
			Handler: handlerFunc(func(context.Context, Request, []memory.Scored, models.Params) (Result, error) {
				return Result{Text: name}, nil
			}),
		}
	}
	for _, d := range []Descriptor{mk("low", 1), mk("first-high", 5), mk("second-high", 5)} {
		if err := registry.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}

	r := newTestRouter(t, registry, nil, bus.NewWriteQueue(8), time.Second)
	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "anything"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reply.Handler != "first-high" {
		t.Fatalf("handler = %s, want first-high (priority, then registration order)", reply.Handler)
	}
}

func TestDispatchHandlerTimeout(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(Descriptor{
		Name:    "slow",
		Matches: func(Request, classify.Result) bool { return true },
		Handler: handlerFunc(func(ctx context.Context, _ Request, _ []memory.Scored, _ models.Params) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}),
	})

	queue := bus.NewWriteQueue(8)
	r := newTestRouter(t, registry, nil, queue, 20*time.Millisecond)

	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "hang forever"})
	if !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("err = %v, want ErrHandlerTimeout", err)
	}
	if reply.State != StateFailed {
		t.Fatalf("state = %s, want failed", reply.State)
	}
	if reply.Text == "" {
		t.Fatal("failed reply must still carry user-facing text")
	}
}

func TestCallerDeadlineIsTimeoutNotSupersession(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(Descriptor{
		Name:    "slow",
		Matches: func(Request, classify.Result) bool { return true },
		Handler: handlerFunc(func(ctx context.Context, _ Request, _ []memory.Scored, _ models.Params) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}),
	})

	r := newTestRouter(t, registry, nil, bus.NewWriteQueue(8), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Dispatch(ctx, Request{Conversation: "c1", Text: "hang forever"})
	if !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("err = %v, want ErrHandlerTimeout for an inbound deadline", err)
	}
}

func TestDispatchEnqueuesNoteOnBothOutcomes(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(Descriptor{
		Name:    "flaky",
		Matches: func(req Request, _ classify.Result) bool { return strings.Contains(req.Text, "fail") },
		Handler: handlerFunc(func(context.Context, Request, []memory.Scored, models.Params) (Result, error) {
			return Result{}, fmt.Errorf("backend exploded")
		}),
	})

	queue := bus.NewWriteQueue(8)
	r := newTestRouter(t, registry, nil, queue, time.Second)

	if _, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "hello there"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "please fail"}); err == nil {
		t.Fatal("expected handler failure")
	}

	if queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2 notes", queue.Len())
	}
}

func TestDispatchContextLoadFailureIsNonFatal(t *testing.T) {
	r := newTestRouter(t, NewRegistry(), stubRecaller{err: fmt.Errorf("db locked")}, bus.NewWriteQueue(8), time.Second)

	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "hello"})
	if err != nil {
		t.Fatalf("dispatch must survive recall failure: %v", err)
	}
	if reply.State != StateCompleted {
		t.Fatalf("state = %s, want completed", reply.State)
	}
}

func TestDispatchPassesRecalledContext(t *testing.T) {
	var got []memory.Scored
	registry := NewRegistry()
	_ = registry.Register(Descriptor{
		Name:    "capture",
		Matches: func(Request, classify.Result) bool { return true },
		Handler: handlerFunc(func(_ context.Context, _ Request, recalled []memory.Scored, _ models.Params) (Result, error) {
			got = recalled
			return Result{Text: "ok"}, nil
		}),
	})

	hits := []memory.Scored{{Record: memory.Record{Category: memory.CategoryPreference, Content: "likes tea"}, Via: "keyword"}}
	r := newTestRouter(t, registry, stubRecaller{hits: hits}, bus.NewWriteQueue(8), time.Second)

	if _, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "what do i like"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 || got[0].Content != "likes tea" {
		t.Fatalf("recalled context not passed: %+v", got)
	}
}

func TestNewerTurnCancelsPrior(t *testing.T) {
	started := make(chan struct{})
	registry := NewRegistry()
	_ = registry.Register(Descriptor{
		Name:    "blocking",
		Matches: func(Request, classify.Result) bool { return true },
		Handler: handlerFunc(func(ctx context.Context, req Request, _ []memory.Scored, _ models.Params) (Result, error) {
			if req.Text == "first" {
				close(started)
				<-ctx.Done()
				return Result{}, ctx.Err()
			}
			return Result{Text: "second done"}, nil
		}),
	})

	r := newTestRouter(t, registry, nil, bus.NewWriteQueue(8), 5*time.Second)

	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "first"})
		firstErr <- err
	}()

	<-started
	reply, err := r.Dispatch(context.Background(), Request{Conversation: "c1", Text: "second"})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if reply.Text != "second done" {
		t.Fatalf("unexpected second reply: %+v", reply)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("first turn err = %v, want ErrSuperseded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first turn never finished after cancellation")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	d := Descriptor{Name: "dup", Handler: handlerFunc(func(context.Context, Request, []memory.Scored, models.Params) (Result, error) {
		return Result{}, nil
	})}
	if err := registry.Register(d); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registry.Register(d); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := registry.Register(Descriptor{Name: "nil-handler"}); err == nil {
		t.Fatal("expected nil handler error")
	}
}
