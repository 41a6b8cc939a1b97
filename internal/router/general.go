package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/quietlabs/valet/internal/memory"
	"github.com/quietlabs/valet/internal/models"
)

const generalSystemPrompt = `You are a helpful personal assistant. Answer directly and concisely.
Use the remembered facts below when they are relevant; ignore them otherwise.`

// GeneralHandler is the default conversation handler. It serves any request
// no specialized handler claims, folding recalled memory into the system
// prompt.
type GeneralHandler struct {
	provider models.Provider
}

func NewGeneralHandler(provider models.Provider) *GeneralHandler {
	return &GeneralHandler{provider: provider}
}

// GeneralDescriptor wraps the handler for registry fallback use. Priority is
// irrelevant: the router only consults the fallback when nothing matched.
func GeneralDescriptor(provider models.Provider) Descriptor {
	return Descriptor{
		Name:    "general",
		Handler: NewGeneralHandler(provider),
	}
}

func (h *GeneralHandler) Handle(ctx context.Context, req Request, recalled []memory.Scored, params models.Params) (Result, error) {
	system := generalSystemPrompt
	if block := formatRecalled(recalled); block != "" {
		system += "\n\nRemembered facts:\n" + block
	}

	text, err := h.provider.Complete(ctx, models.CompletionRequest{
		System: system,
		Prompt: req.Text,
		Params: params,
	})
	if err != nil {
		return Result{}, fmt.Errorf("general handler: %w", err)
	}
	return Result{Text: text}, nil
}

func formatRecalled(recalled []memory.Scored) string {
	var lines []string
	for _, r := range recalled {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", r.Category, content))
	}
	return strings.Join(lines, "\n")
}
