// Command mailtask is a terminal mail client whose network work runs on
// background task pools.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nhle/mailtask/internal/credential"
	"github.com/nhle/mailtask/internal/engine"
	"github.com/nhle/mailtask/internal/mailops"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/store"
	appsync "github.com/nhle/mailtask/internal/sync"
	"github.com/nhle/mailtask/internal/telemetry"
	"github.com/nhle/mailtask/internal/theme"
	"github.com/nhle/mailtask/internal/ui/tui"
)

const (
	shutdownTimeout = 10 * time.Second
	journalKeep     = 1000
)

type options struct {
	configPath     string
	envFile        string
	headless       bool
	nonInteractive bool
	once           bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "mailtask:", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "mailtask:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	flags := pflag.NewFlagSet("mailtask", pflag.ContinueOnError)
	flags.StringVarP(&o.configPath, "config", "c", model.DefaultConfigPath(), "path to the YAML configuration")
	flags.StringVar(&o.envFile, "env-file", ".env", "optional file of MAILTASK_* overrides")
	flags.BoolVar(&o.headless, "headless", false, "log instead of drawing the terminal UI")
	flags.BoolVar(&o.nonInteractive, "non-interactive", false, "never prompt; use cached credentials only")
	flags.BoolVar(&o.once, "once", false, "with --headless, sync every account once and exit")
	if err := flags.Parse(args); err != nil {
		return o, err
	}
	if o.once && !o.headless {
		return o, errors.New("--once requires --headless")
	}
	return o, nil
}

func run(o options) error {
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", o.envFile, err)
	}

	cfg, err := model.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	theme.Apply(cfg.Display.Theme)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logFile, err := openLogFile(cfg.Log.File)
	if err != nil {
		return err
	}
	defer logFile.Close()

	var logOut io.Writer = logFile
	if o.headless {
		logOut = io.MultiWriter(os.Stderr, logFile)
	}

	log, ins, shutdownTelemetry, err := setupLogging(cfg.Log, logOut)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()
	slog.SetDefault(log)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	if n, err := st.PurgeTaskLogs(ctx, journalKeep); err != nil {
		log.Warn("failed to purge task journal", "error", err)
	} else if n > 0 {
		log.Debug("purged task journal", "removed", n)
	}

	eopts := engine.OptionsFromConfig(cfg.Engine)
	eopts.Credentials = credential.NewKeyringStore(credential.KeyringConfig{
		FileDir: filepath.Join(filepath.Dir(o.configPath), "credentials"),
	})
	eopts.Journal = st
	eopts.Instruments = ins
	eopts.Logger = log
	if o.nonInteractive {
		eopts.NonInteractive = true
	}

	var surface *tui.Surface
	if o.headless {
		eopts.Surface = tui.NewHeadless(log)
	} else {
		surface = tui.NewSurface()
		eopts.Surface = surface
	}

	rt := engine.New(eopts)
	poller := appsync.New(rt, log)

	var accounts []*mailops.Account
	for _, ac := range cfg.Accounts {
		if !ac.Enabled {
			continue
		}
		acct := mailops.NewAccount(ac, rt, st)
		accounts = append(accounts, acct)
		poller.RegisterAccount(acct)
	}
	log.Info("starting", "accounts", len(accounts), "headless", o.headless, "interactive", rt.Interactive())

	loopCtx, cancelLoop := context.WithCancel(ctx)
	loopDone := make(chan error, 1)
	go func() { loopDone <- rt.Run(loopCtx) }()

	var runErr error
	if o.headless {
		runHeadless(ctx, poller, len(accounts), o.once, log)
	} else {
		runErr = tui.Run(ctx, surface, tui.New(tui.Config{
			Engine:   rt,
			Poller:   poller,
			Store:    st,
			Accounts: accounts,
			Notify:   surface.Notify,
		}))
	}

	poller.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down engine", "error", err)
	}
	cancelLoop()
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine loop stopped", "error", err)
	}
	return runErr
}

// runHeadless logs sync results until ctx is done, or until every
// account has synced once when once is set.
func runHeadless(ctx context.Context, p *appsync.Poller, accounts int, once bool, log *slog.Logger) {
	if accounts == 0 {
		log.Warn("no enabled accounts configured")
		if once {
			return
		}
	}

	results := make(chan appsync.SyncResultMsg)
	go func() {
		for cmd := p.Start(); cmd != nil; cmd = p.WaitForNextResult() {
			msg, ok := cmd().(appsync.SyncResultMsg)
			if !ok {
				return
			}
			select {
			case results <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-results:
			if res.Error != nil {
				log.Error("sync failed", "account", res.AccountID, "auth", res.AuthFailed, "error", res.Error)
			} else {
				log.Info("sync finished", "account", res.AccountID, "fetched", res.Fetched, "pruned", res.Pruned)
			}
			seen[res.AccountID] = true
			if once && len(seen) >= accounts {
				return
			}
		}
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// setupLogging returns the process logger. With telemetry on, records go
// through the OpenTelemetry log pipeline and spans and metrics are
// exported to w as well.
func setupLogging(cfg model.LogConfig, w io.Writer) (*slog.Logger, *telemetry.Instruments, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	if !cfg.Telemetry {
		log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
		return log, nil, func() {}, nil
	}

	providers, err := telemetry.Setup(w, 30*time.Second)
	if err != nil {
		return nil, nil, nil, err
	}
	ins, err := telemetry.NewInstruments(providers.Meter, providers.Tracer)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, nil, nil, err
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}
	return telemetry.Logger("mailtask", providers.LoggerOption()), ins, shutdown, nil
}
