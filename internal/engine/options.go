package engine

import (
	"context"
	"log/slog"

	"github.com/nhle/mailtask/internal/busy"
	"github.com/nhle/mailtask/internal/credential"
	"github.com/nhle/mailtask/internal/mainloop"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/progress"
	"github.com/nhle/mailtask/internal/prompt"
	"github.com/nhle/mailtask/internal/telemetry"
)

// Surface is the UI the runtime drives. Every method is called on the
// UI loop.
type Surface interface {
	busy.Indicator
	progress.Surface
	mainloop.ErrorReporter
	prompt.Presenter
}

// Journal records freed tasks. It is called on a dedicated goroutine.
type Journal interface {
	InsertTaskLog(ctx context.Context, entry *model.TaskLog) error
}

// Options configure a Runtime. Zero values select the defaults.
type Options struct {
	// FastWorkers is the worker count of the queued pool.
	FastWorkers int
	// SlowWorkers is the worker count of the queued-slow pool.
	SlowWorkers int
	// FastQueueLimit bounds the queued pool backlog. 0 is unbounded.
	FastQueueLimit int
	// ThreadLimit bounds concurrent new-thread tasks. 0 is unbounded.
	ThreadLimit int

	// NonInteractive starts the prompt broker in non-interactive mode.
	NonInteractive bool

	// ProgressRate is the steady number of progress reports per second
	// forwarded per task; ProgressBurst the bucket size.
	ProgressRate  float64
	ProgressBurst int

	Surface     Surface
	Credentials credential.Store
	Journal     Journal
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FastWorkers <= 0 {
		o.FastWorkers = 2
	}
	if o.SlowWorkers <= 0 {
		o.SlowWorkers = 1
	}
	if o.ProgressRate <= 0 {
		o.ProgressRate = 10
	}
	if o.ProgressBurst <= 0 {
		o.ProgressBurst = 2
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// OptionsFromConfig maps the engine section of the configuration file.
func OptionsFromConfig(cfg model.EngineConfig) Options {
	return Options{
		FastWorkers:    cfg.FastWorkers,
		SlowWorkers:    cfg.SlowWorkers,
		FastQueueLimit: cfg.FastQueueLimit,
		ThreadLimit:    cfg.ThreadLimit,
		NonInteractive: !cfg.Interactive,
		ProgressRate:   cfg.ProgressRate,
		ProgressBurst:  cfg.ProgressBurst,
	}
}
