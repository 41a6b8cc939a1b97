package router

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/quietlabs/valet/internal/bus"
	"github.com/quietlabs/valet/internal/classify"
	"github.com/quietlabs/valet/internal/memory"
	"github.com/quietlabs/valet/internal/models"
)

// Turn lifecycle states, in order. A turn ends in StateCompleted or
// StateFailed; there are no other terminal states.
const (
	StateReceived      = "received"
	StateClassified    = "classified"
	StateContextLoaded = "context_loaded"
	StateDispatched    = "dispatched"
	StateCompleted     = "completed"
	StateFailed        = "failed"
)

var (
	// ErrHandlerTimeout marks a handler that exceeded its deadline.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerUnrecoverable marks a handler failure with no retry path.
	ErrHandlerUnrecoverable = errors.New("handler failed")
	// ErrSuperseded marks a turn cancelled by a newer turn in the same
	// conversation.
	ErrSuperseded = errors.New("superseded by newer request")
)

const apology = "Sorry, I ran into a problem handling that. Please try again."

// Recaller is the slice of the memory engine the router needs.
type Recaller interface {
	Recall(ctx context.Context, q memory.RecallQuery) ([]memory.Scored, error)
}

// Reply is the terminal outcome of a dispatched turn.
type Reply struct {
	State     string
	Text      string
	Handler   string
	Tier      classify.Tier
	Domain    string
	Citations []string
}

// Options tune a Router.
type Options struct {
	HandlerTimeout time.Duration
	ContextLimit   int
	Fallback       Descriptor
}

// Router drives a turn through classification, context load, model
// selection and handler dispatch. One turn is in flight per conversation;
// a newer turn cancels the previous one.
type Router struct {
	classifier *classify.Classifier
	selector   *models.Selector
	registry   *Registry
	recaller   Recaller
	queue      *bus.WriteQueue
	fallback   Descriptor
	timeout    time.Duration
	ctxLimit   int

	mu       sync.Mutex
	inflight map[string]*turnHandle
}

type turnHandle struct {
	cancel context.CancelFunc
}

func New(classifier *classify.Classifier, selector *models.Selector, registry *Registry, recaller Recaller, queue *bus.WriteQueue, opts Options) *Router {
	r := &Router{
		classifier: classifier,
		selector:   selector,
		registry:   registry,
		recaller:   recaller,
		queue:      queue,
		fallback:   opts.Fallback,
		timeout:    opts.HandlerTimeout,
		ctxLimit:   opts.ContextLimit,
		inflight:   make(map[string]*turnHandle),
	}
	if r.timeout <= 0 {
		r.timeout = 45 * time.Second
	}
	if r.ctxLimit <= 0 {
		r.ctxLimit = 5
	}
	return r
}

// Dispatch runs one turn to completion. It always returns a Reply: handler
// failures produce a StateFailed reply with an apologetic text rather than
// a bare error. The returned error carries the failure kind for callers
// that need it.
func (r *Router) Dispatch(ctx context.Context, req Request) (Reply, error) {
	ctx, handle := r.admit(ctx, req.Conversation)
	defer r.release(req.Conversation, handle)

	cls := r.classifier.Classify(req.Text, &classify.Context{Attachments: req.Attachments})
	recalled := r.loadContext(ctx, req)

	desc := r.registry.Match(req, cls)
	if desc == nil {
		// The fallback answers as plain conversation: tier and domain are
		// forced to simple/general so it never inherits the model selection
		// of a domain nobody serves.
		cls = classify.Result{
			Tier:      classify.TierSimple,
			Domain:    classify.DomainGeneral,
			Rationale: "no handler for " + cls.Domain,
		}
		desc = &r.fallback
	}
	params := r.selector.Select(cls.Tier, cls.Domain)
	if desc.Handler == nil {
		err := ErrHandlerUnrecoverable
		return r.fail(req, cls, desc.Name, err), err
	}

	handlerCtx, handlerCancel := context.WithTimeout(ctx, r.timeout)
	defer handlerCancel()

	result, err := desc.Handler.Handle(handlerCtx, req, recalled, params)
	if err != nil {
		kind := classifyFailure(ctx, handlerCtx, err)
		log.Printf("[router] handler %s failed for conversation %s: %v", desc.Name, req.Conversation, err)
		return r.fail(req, cls, desc.Name, kind), kind
	}

	reply := Reply{
		State:     StateCompleted,
		Text:      result.Text,
		Handler:   desc.Name,
		Tier:      cls.Tier,
		Domain:    cls.Domain,
		Citations: result.Citations,
	}
	r.note(req, reply, "")
	return reply, nil
}

// admit cancels any in-flight turn for the conversation and registers this
// one.
func (r *Router) admit(ctx context.Context, conversation string) (context.Context, *turnHandle) {
	ctx, cancel := context.WithCancel(ctx)
	handle := &turnHandle{cancel: cancel}
	r.mu.Lock()
	if prior, ok := r.inflight[conversation]; ok {
		prior.cancel()
	}
	r.inflight[conversation] = handle
	r.mu.Unlock()
	return ctx, handle
}

func (r *Router) release(conversation string, handle *turnHandle) {
	handle.cancel()
	r.mu.Lock()
	if r.inflight[conversation] == handle {
		delete(r.inflight, conversation)
	}
	r.mu.Unlock()
}

// loadContext fetches memory context best-effort. A recall failure degrades
// the turn to empty context; it never fails the dispatch.
func (r *Router) loadContext(ctx context.Context, req Request) []memory.Scored {
	if r.recaller == nil {
		return nil
	}
	recalled, err := r.recaller.Recall(ctx, memory.RecallQuery{Text: req.Text, Limit: r.ctxLimit})
	if err != nil {
		log.Printf("[router] context load failed for conversation %s, continuing without: %v", req.Conversation, err)
		return nil
	}
	return recalled
}

func (r *Router) fail(req Request, cls classify.Result, handler string, kind error) Reply {
	reply := Reply{
		State:   StateFailed,
		Text:    apology,
		Handler: handler,
		Tier:    cls.Tier,
		Domain:  cls.Domain,
	}
	r.note(req, reply, kind.Error())
	return reply
}

func (r *Router) note(req Request, reply Reply, errKind string) {
	if r.queue == nil {
		return
	}
	r.queue.Enqueue(bus.InteractionNote{
		Conversation: req.Conversation,
		Query:        req.Text,
		Response:     reply.Text,
		Handler:      reply.Handler,
		Success:      reply.State == StateCompleted,
		ErrKind:      errKind,
		At:           time.Now().UTC(),
	})
}

// classifyFailure maps a handler error to its failure kind. Only an explicit
// cancellation of the parent ctx means a newer turn superseded this one; a
// caller-imposed deadline on the inbound ctx is a timeout.
func classifyFailure(parent, handlerCtx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return ErrSuperseded
	}
	if errors.Is(handlerCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrHandlerTimeout
	}
	return ErrHandlerUnrecoverable
}
