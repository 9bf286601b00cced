package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/config"
	"github.com/xcawolfe-amzn/foreman/internal/health"
	"github.com/xcawolfe-amzn/foreman/internal/lifecycle"
	"github.com/xcawolfe-amzn/foreman/internal/messenger"
	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/queue"
	"github.com/xcawolfe-amzn/foreman/internal/registry"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/tmux"
	"github.com/xcawolfe-amzn/foreman/internal/worktree"
	"github.com/xcawolfe-amzn/foreman/internal/wrapup"
)

// app bundles the wired components every command needs.
type app struct {
	cfg      *config.Config
	store    *store.Store
	tm       *tmux.Client
	msg      *messenger.Messenger
	reg      *registry.Registry
	notifier notify.Notifier
	logger   *log.Logger
}

// newApp loads config, opens the store, and wires the shared components.
// Callers must close().
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", cfg.Root, err)
	}

	logger := log.New(os.Stderr, "fm: ", log.LstdFlags)

	s, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.RegistryDir(), logger)
	if n, err := reg.MigrateLegacy(s); err != nil {
		logger.Printf("legacy state migration: %v", err)
	} else if n > 0 {
		logger.Printf("migrated %d legacy session state file(s)", n)
	}

	tm := tmux.NewClient(tmux.WithProtectedSessions(cfg.ProtectedSessions))
	msg := messenger.New(tm,
		messenger.WithJournal(cfg.MessageLogPath()),
		messenger.WithInterrupt(cfg.AllowInterrupt),
		messenger.WithBudget(cfg.TaskTimeout),
		messenger.WithLogger(logger))

	return &app{
		cfg:      cfg,
		store:    s,
		tm:       tm,
		msg:      msg,
		reg:      reg,
		notifier: buildNotifier(cfg, logger),
		logger:   logger,
	}, nil
}

// daemonize tees the app's logging into a per-daemon logfile under the
// registry. Components built after the call inherit the new logger; the
// returned func closes the file.
func (a *app) daemonize(name string) func() {
	if err := os.MkdirAll(a.cfg.LogsDir(), 0o755); err != nil {
		a.logger.Printf("creating %s: %v", a.cfg.LogsDir(), err)
		return func() {}
	}
	path := filepath.Join(a.cfg.LogsDir(), name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Printf("opening %s: %v", path, err)
		return func() {}
	}
	a.logger = log.New(io.MultiWriter(os.Stderr, f), "fm: ", log.LstdFlags)
	return func() { f.Close() }
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Printf("closing store: %v", err)
	}
}

func buildNotifier(cfg *config.Config, logger *log.Logger) notify.Notifier {
	channels := notify.Multi{&notify.LogNotifier{Logger: logger}}
	if cfg.NotifyWebhook != "" {
		channels = append(channels, notify.NewWebhookNotifier(cfg.NotifyWebhook))
	}
	if cfg.NotifySMTPAddr != "" && cfg.NotifyFrom != "" && len(cfg.NotifyTo) > 0 {
		channels = append(channels, notify.NewEmailNotifier(cfg.NotifySMTPAddr, cfg.NotifyFrom, cfg.NotifyTo))
	}
	return channels
}

func (a *app) agentCLI() *agent.CLI {
	return &agent.CLI{
		Command:         a.cfg.AgentCommand,
		SkipPermissions: a.cfg.AgentSkipPermissions,
		ConfigPath:      a.cfg.AgentConfigPath,
		EmergencyBypass: a.cfg.EmergencyBypass,
	}
}

func (a *app) provisioner(force bool) *lifecycle.Provisioner {
	return lifecycle.New(lifecycle.Deps{
		Store:     a.store,
		Tmux:      a.tm,
		Messenger: a.msg,
		Worktrees: worktree.NewFactory(a.logger, worktree.WithForce(force)),
		Agent:     a.agentCLI(),
		Registry:  a.reg,
		Notifier:  a.notifier,
		Config:    a.cfg,
		Logger:    a.logger,
	})
}

func (a *app) wrapper() *wrapup.Wrapper {
	return wrapup.New(a.store, a.tm, a.reg, a.notifier, a.cfg.FailureLogPath(), a.logger)
}

func (a *app) monitor() *health.Monitor {
	return health.New(health.Deps{
		Store:           a.store,
		Tmux:            a.tm,
		Msg:             a.msg,
		Wrap:            a.wrapper(),
		Agent:           a.agentCLI(),
		Notifier:        a.notifier,
		Logger:          a.logger,
		Grace:           a.cfg.PhantomGrace,
		ObserveOnly:     a.cfg.DisableReconciliation,
		CheckInInterval: a.cfg.CheckInInterval,
	})
}

func (a *app) queueRunner(force bool) *queue.Runner {
	return queue.NewRunner(a.store, a.provisioner(force), a.logger, 30*time.Second)
}

// project looks up a project id, mapping a miss to a usage error.
func (a *app) project(id int64) (*store.Project, error) {
	p, err := a.store.Project(id)
	if err != nil {
		return nil, usagef("no project %d", id)
	}
	return p, nil
}

func absPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", usagef("resolving %s: %v", path, err)
	}
	return abs, nil
}

// ago renders a duration since t compactly for tables.
func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	d := time.Since(*t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
