package tui

import (
	"context"
	"log/slog"

	"github.com/nhle/mailtask/internal/progress"
	"github.com/nhle/mailtask/internal/prompt"
	"github.com/nhle/mailtask/internal/task"
)

// Headless is a surface that logs instead of drawing. Errors are
// acknowledged immediately. Prompts are answered by Answer, or declined
// when it is nil.
type Headless struct {
	Log    *slog.Logger
	Answer func(req prompt.Request) (prompt.Response, bool)
}

// NewHeadless creates a surface logging to log.
func NewHeadless(log *slog.Logger) *Headless {
	if log == nil {
		log = slog.Default()
	}
	return &Headless{Log: log.With("component", "headless")}
}

func (h *Headless) SetBusy(busy bool) {
	h.Log.Debug("busy changed", "busy", busy)
}

func (h *Headless) NewIndicator(_ context.Context, id uint64, label string) (progress.Indicator, error) {
	h.Log.Info("task started", "task", id, "label", label)
	return &logIndicator{log: h.Log.With("task", id), label: label}, nil
}

func (h *Headless) ShowError(title string, err error, dismissed func()) {
	h.Log.Error(title, "error", err)
	if dismissed != nil {
		dismissed()
	}
}

func (h *Headless) Present(req prompt.Request, answer func(prompt.Response, error)) func() {
	if h.Answer != nil {
		if resp, ok := h.Answer(req); ok {
			answer(resp, nil)
			return func() {}
		}
	}
	h.Log.Warn("prompt declined", "kind", req.Kind, "title", req.Title, "resource", req.Resource)
	answer(prompt.Response{}, nil)
	return func() {}
}

type logIndicator struct {
	log   *slog.Logger
	label string
	last  int
}

func (i *logIndicator) Update(desc string, percent int) {
	// Log once per ten percent.
	if percent/10 == i.last/10 && percent != task.ProgressEnd {
		return
	}
	i.last = percent
	i.log.Debug("task progress", "label", i.label, "desc", desc, "percent", percent)
}

func (i *logIndicator) Close() {
	i.log.Info("task finished", "label", i.label)
}
