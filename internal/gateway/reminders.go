package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/quietlabs/valet/internal/cron"
	"github.com/quietlabs/valet/internal/memory"
	"github.com/quietlabs/valet/internal/models"
	"github.com/quietlabs/valet/internal/router"
)

// remindMeRegex matches "remind me to <task> in <N> <unit>".
var remindMeRegex = regexp.MustCompile(`(?i)remind me (?:to |about )?(.+?) in (\d+) (second|minute|hour|day)s?\b`)

// remindersHandler turns "remind me ..." requests into one-shot scheduled
// jobs. Requests it cannot parse get a model-generated reply instead of an
// error.
type remindersHandler struct {
	scheduler *cron.Service
	provider  models.Provider
}

func remindersDescriptor(scheduler *cron.Service, provider models.Provider) router.Descriptor {
	return router.Descriptor{
		Name:     "reminders",
		Priority: 10,
		Domains:  []string{"reminders"},
		Handler:  &remindersHandler{scheduler: scheduler, provider: provider},
	}
}

func (h *remindersHandler) Handle(ctx context.Context, req router.Request, recalled []memory.Scored, params models.Params) (router.Result, error) {
	if m := remindMeRegex.FindStringSubmatch(req.Text); m != nil {
		task := strings.TrimSpace(m[1])
		amount, err := strconv.Atoi(m[2])
		if err != nil || amount <= 0 {
			return router.Result{}, fmt.Errorf("reminders: bad amount %q", m[2])
		}
		delay := time.Duration(amount) * unitDuration(m[3])
		due := time.Now().Add(delay)

		_, err = h.scheduler.AddJob(
			"reminder: "+truncate(task, 40),
			cron.Schedule{Kind: "at", AtMs: due.UnixMilli()},
			cron.Payload{Kind: "reminder", Message: task},
		)
		if err != nil {
			return router.Result{}, fmt.Errorf("schedule reminder: %w", err)
		}
		return router.Result{
			Text: fmt.Sprintf("Okay, I'll remind you to %s at %s.", task, due.Format("15:04 on Jan 2")),
		}, nil
	}

	// No parseable schedule: answer conversationally.
	text, err := h.provider.Complete(ctx, models.CompletionRequest{
		System: "You help manage reminders and schedules. Be brief.",
		Prompt: req.Text,
		Params: params,
	})
	if err != nil {
		return router.Result{}, fmt.Errorf("reminders handler: %w", err)
	}
	return router.Result{Text: text}, nil
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(unit) {
	case "second":
		return time.Second
	case "minute":
		return time.Minute
	case "hour":
		return time.Hour
	default:
		return 24 * time.Hour
	}
}
