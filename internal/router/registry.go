package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/quietlabs/valet/internal/classify"
	"github.com/quietlabs/valet/internal/memory"
	"github.com/quietlabs/valet/internal/models"
)

// Request is one inbound user turn.
type Request struct {
	Conversation string
	Text         string
	Attachments  []string
}

// Result is a handler's reply.
type Result struct {
	Text      string
	Citations []string
}

// Handler serves one matched request. Implementations must honor ctx; the
// router enforces a deadline around every invocation.
type Handler interface {
	Handle(ctx context.Context, req Request, recalled []memory.Scored, params models.Params) (Result, error)
}

// Descriptor registers a handler with the capabilities it serves. Matches
// decides per-request; a nil Matches accepts any request whose classified
// domain is in Domains.
type Descriptor struct {
	Name     string
	Priority int
	Domains  []string
	Matches  func(req Request, cls classify.Result) bool
	Handler  Handler
}

func (d Descriptor) matches(req Request, cls classify.Result) bool {
	if d.Matches != nil {
		return d.Matches(req, cls)
	}
	for _, domain := range d.Domains {
		if domain == cls.Domain {
			return true
		}
	}
	return false
}

// Registry holds registered handlers. Match resolves by descending priority;
// ties break by registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []Descriptor
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if d.Handler == nil {
		return fmt.Errorf("register handler %s: nil handler", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.Name == d.Name {
			return fmt.Errorf("register handler %s: already registered", d.Name)
		}
	}
	r.entries = append(r.entries, d)
	return nil
}

// Match returns the winning descriptor for a request, or nil when no
// predicate matches.
func (r *Registry) Match(req Request, cls classify.Result) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Descriptor
	for i := range r.entries {
		d := &r.entries[i]
		if !d.matches(req, cls) {
			continue
		}
		if best == nil || d.Priority > best.Priority {
			best = d
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Names lists registered handlers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, d := range r.entries {
		names = append(names, d.Name)
	}
	return names
}
