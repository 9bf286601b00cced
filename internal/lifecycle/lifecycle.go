// Package lifecycle provisions a full agent team for one project: tmux
// session, per-role worktrees, agent CLIs, briefings, and scheduled
// check-ins. Provisioning is all-or-nothing; any failure tears down what
// was built and re-enqueues the project, except precondition failures
// like missing agent auth, which wait for the operator.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/briefing"
	"github.com/xcawolfe-amzn/foreman/internal/config"
	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/registry"
	"github.com/xcawolfe-amzn/foreman/internal/roles"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/tmux"
	"github.com/xcawolfe-amzn/foreman/internal/worktree"
)

// sessionClient is the slice of the tmux client provisioning needs.
type sessionClient interface {
	NewSession(name, workDir string) error
	NewWindow(session string, index int, name, workDir string) error
	HasSession(name string) (bool, error)
	KillSessionGraceful(name string, grace time.Duration) error
	SendLiteral(target, text string) error
	SendEnter(target string) error
	CapturePane(target string, lines int) (string, error)
	PaneCommand(target string) (string, error)
}

// sender delivers verified messages to agent windows.
type sender interface {
	Send(session string, window int, message string) error
}

// treeManager provisions and removes role worktrees.
type treeManager interface {
	Provision(ctx context.Context, projectPath, role string) (*worktree.Worktree, error)
	TeardownAll(ctx context.Context, trees []*worktree.Worktree) error
}

// agentCLI checks auth and builds the start command. Satisfied by
// *agent.CLI.
type agentCLI interface {
	CheckAuth() error
	StartCommand() string
}

// Deps wires the provisioner's collaborators.
type Deps struct {
	Store     *store.Store
	Tmux      sessionClient
	Messenger sender
	Worktrees treeManager
	Agent     agentCLI
	Registry  *registry.Registry
	Notifier  notify.Notifier
	Config    *config.Config
	Logger    *log.Logger
}

// Provisioner turns a promoted project into a running agent session.
type Provisioner struct {
	d Deps

	readyTimeout time.Duration
	waitReady    func(tm sessionClient, target string, timeout time.Duration) error
	sleep        func(time.Duration)
}

// New creates a Provisioner.
func New(d Deps) *Provisioner {
	return &Provisioner{
		d:            d,
		readyTimeout: agent.ReadyTimeout,
		waitReady: func(tm sessionClient, target string, timeout time.Duration) error {
			return agent.WaitReady(tm, target, timeout)
		},
		sleep: time.Sleep,
	}
}

// phases recorded into SessionState as provisioning advances. A partial
// list in a failure report tells the operator exactly where it stopped.
const (
	phaseAuth      = "auth-check"
	phaseTeam      = "team-selection"
	phaseSession   = "session-created"
	phaseWorktrees = "worktrees"
	phaseAgents    = "agents-started"
	phaseReady     = "agents-ready"
	phaseBriefing  = "briefing"
	phaseState     = "state-saved"
	phaseScheduled = "check-ins-scheduled"
)

// SessionName builds the unique tmux session name for a project. The
// "-impl-" infix is what session rediscovery pattern-matches on, so it is
// part of the contract, not decoration.
func SessionName(specPath string) string {
	stem := strings.TrimSuffix(filepath.Base(specPath), filepath.Ext(specPath))
	stem = sanitize(stem)
	return fmt.Sprintf("%s-impl-%s", stem, uuid.NewString()[:8])
}

// sanitize keeps session names tmux-safe: tmux treats "." and ":" as
// window and pane separators.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Provision runs the full provisioning sequence for a PROCESSING project.
// On failure it compensates: kills the session, removes the worktrees,
// marks the project FAILED with the components that broke, and re-enqueues
// it while attempts remain.
func (p *Provisioner) Provision(ctx context.Context, proj *store.Project) error {
	if p.d.Config.MaxOrchestrateRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.d.Config.MaxOrchestrateRuntime)
		defer cancel()
	}

	run := &runState{proj: proj}
	if err := p.provision(ctx, run); err != nil {
		p.compensate(ctx, run, err)
		return err
	}
	return nil
}

// runState accumulates what provisioning has built, for compensation.
type runState struct {
	proj    *store.Project
	session string
	team    *roles.Team
	trees   []*worktree.Worktree
	phases  []string
	failed  []string // components implicated in the failure
}

func (r *runState) phase(name string) { r.phases = append(r.phases, name) }

func (r *runState) fail(component string, err error) error {
	r.failed = append(r.failed, component)
	return err
}

func (p *Provisioner) provision(ctx context.Context, run *runState) error {
	proj := run.proj

	// 1. Agent auth is a hard precondition; never auto-login.
	if err := p.d.Agent.CheckAuth(); err != nil {
		return run.fail("agent-auth", err)
	}
	run.phase(phaseAuth)

	// 2. Team selection from the plan, with optional operator override.
	team, err := roles.Load(p.d.Config.TeamFilePath(), roles.Plan(p.d.Config.Plan))
	if err != nil {
		return run.fail("team", fmt.Errorf("selecting team: %w", err))
	}
	run.team = team
	run.phase(phaseTeam)

	// 3. Reserve the session name and persist it immediately, before the
	// session exists. A crash between tmux creation and registration would
	// otherwise leave a live session nothing knows about.
	session := SessionName(proj.SpecPath)
	if err := p.d.Store.SetMainSession(proj.ID, session); err != nil {
		return run.fail("store", fmt.Errorf("registering session name: %w", err))
	}
	run.session = session

	// 4. A worktree for every role, the orchestrator included. Nobody works
	// in the primary checkout; it stays clean for the merge pipeline.
	workdirs := make(map[string]*worktree.Worktree)
	for _, role := range team.Roles {
		if err := ctx.Err(); err != nil {
			return run.fail("worktrees", err)
		}
		w, err := p.d.Worktrees.Provision(ctx, proj.ProjectPath, role.Name)
		if err != nil {
			return run.fail("worktrees", fmt.Errorf("worktree for %s: %w", role.Name, err))
		}
		run.trees = append(run.trees, w)
		workdirs[role.Name] = w
	}
	run.phase(phaseWorktrees)

	// 5. The session with the orchestrator in window 0, one window per
	// remaining role, each rooted in its own worktree.
	sessionRoot := proj.ProjectPath
	if w := workdirs[roles.Orchestrator]; w != nil {
		sessionRoot = w.Path
	}
	if err := p.d.Tmux.NewSession(session, sessionRoot); err != nil {
		return run.fail("tmux", fmt.Errorf("creating session %s: %w", session, err))
	}
	for _, role := range team.Roles {
		if role.WindowIndex == 0 {
			continue
		}
		w := workdirs[role.Name]
		if err := p.d.Tmux.NewWindow(session, role.WindowIndex, role.Name, w.Path); err != nil {
			return run.fail("tmux", fmt.Errorf("creating window %d (%s): %w", role.WindowIndex, role.Name, err))
		}
	}
	run.phase(phaseSession)

	// 6. Start the agent CLI in every window.
	startCmd := p.d.Agent.StartCommand()
	for _, role := range team.Roles {
		target := tmux.Target(session, role.WindowIndex)
		if err := p.d.Tmux.SendLiteral(target, startCmd); err != nil {
			return run.fail("agent-start", fmt.Errorf("starting agent in %s: %w", target, err))
		}
		if err := p.d.Tmux.SendEnter(target); err != nil {
			return run.fail("agent-start", fmt.Errorf("starting agent in %s: %w", target, err))
		}
	}
	run.phase(phaseAgents)

	// 7. Wait for each agent to show its prompt.
	for _, role := range team.Roles {
		if err := ctx.Err(); err != nil {
			return run.fail("agent-ready", err)
		}
		target := tmux.Target(session, role.WindowIndex)
		if err := p.waitReady(p.d.Tmux, target, p.readyTimeout); err != nil {
			return run.fail("agent-ready", fmt.Errorf("agent %s: %w", role.Name, err))
		}
	}
	run.phase(phaseReady)

	// 8. Brief every agent through the verified messenger.
	starting := ""
	for _, w := range run.trees {
		if w.Base != "" {
			starting = w.Base
			break
		}
	}
	for _, role := range team.Roles {
		params := briefing.Params{
			ProjectName:     proj.Name(),
			SpecPath:        proj.SpecPath,
			SessionName:     session,
			WorktreePath:    proj.ProjectPath,
			Branch:          starting,
			StartingBranch:  starting,
			Team:            team,
			CheckInInterval: p.d.Config.CheckInInterval,
		}
		if w := workdirs[role.Name]; w != nil {
			params.WorktreePath = w.Path
			params.Branch = w.Branch
		}
		if err := p.d.Messenger.Send(session, role.WindowIndex, briefing.Compose(role, params)); err != nil {
			return run.fail("briefing", fmt.Errorf("briefing %s: %w", role.Name, err))
		}
	}
	run.phase(phaseBriefing)

	// 9. Persist the session state and mirror it to the registry.
	st := p.sessionState(run, workdirs)
	if err := p.d.Store.SaveSessionState(st); err != nil {
		return run.fail("store", fmt.Errorf("saving session state: %w", err))
	}
	if p.d.Registry != nil {
		if err := p.d.Registry.WriteSessionState(st); err != nil {
			p.logf("registry mirror failed for %s: %v", proj.Name(), err)
		}
	}
	run.phase(phaseState)

	// 10. Schedule the recurring check-ins that keep agents moving.
	interval := int(p.d.Config.CheckInInterval.Minutes())
	if interval <= 0 {
		interval = 20
	}
	for _, role := range team.Roles {
		if role.Name == roles.Orchestrator {
			continue
		}
		_, _, err := p.d.Store.UpsertTask(session, role.Name, role.WindowIndex,
			interval, "Post your STATUS report to the project-manager.", false)
		if err != nil {
			return run.fail("scheduler", fmt.Errorf("scheduling check-in for %s: %w", role.Name, err))
		}
	}
	run.phase(phaseScheduled)

	p.logf("provisioned %s: session %s, %d agents", proj.Name(), session, len(team.Roles))
	return nil
}

func (p *Provisioner) sessionState(run *runState, workdirs map[string]*worktree.Worktree) *store.SessionState {
	agents := make(map[string]*store.AgentState, len(run.team.Roles))
	for _, role := range run.team.Roles {
		a := &store.AgentState{
			Role:         role.Name,
			WindowIndex:  role.WindowIndex,
			WorktreePath: run.proj.ProjectPath,
			IsAlive:      true,
		}
		if w := workdirs[role.Name]; w != nil {
			a.WorktreePath = w.Path
			a.Branch = w.Branch
		}
		agents[role.Name] = a
	}
	return &store.SessionState{
		ProjectName:      run.proj.Name(),
		SessionName:      run.session,
		CreatedAt:        time.Now().UTC(),
		PhasesCompleted:  append([]string(nil), run.phases...),
		Agents:           agents,
		SubscriptionPlan: p.d.Config.Plan,
	}
}

// compensate unwinds a failed provisioning run and decides the project's
// next state.
func (p *Provisioner) compensate(ctx context.Context, run *runState, cause error) {
	proj := run.proj
	p.logf("provisioning %s failed (%s): %v", proj.Name(), strings.Join(run.failed, ","), cause)

	if run.session != "" {
		if exists, _ := p.d.Tmux.HasSession(run.session); exists {
			if err := p.d.Tmux.KillSessionGraceful(run.session, 2*time.Second); err != nil {
				p.logf("killing session %s: %v", run.session, err)
			}
		}
		_, _ = p.d.Store.RemoveSessionTasks(run.session)
	}
	if len(run.trees) > 0 {
		if err := p.d.Worktrees.TeardownAll(ctx, run.trees); err != nil {
			p.logf("tearing down worktrees for %s: %v", proj.Name(), err)
		}
	}

	opts := store.TransitionOpts{
		ErrorMessage:     cause.Error(),
		FailedComponents: strings.Join(run.failed, ","),
	}
	if err := p.d.Store.Transition(proj.ID, store.StatusFailed, opts); err != nil {
		p.logf("marking %s FAILED: %v", proj.Name(), err)
		return
	}

	// Precondition failures stop the pipeline outright: retrying without
	// operator action would burn the budget on the same wall.
	if errors.Is(cause, agent.ErrNotAuthenticated) {
		if p.d.Notifier != nil {
			subject := fmt.Sprintf("project %s blocked: agent CLI not authenticated", proj.Name())
			body := fmt.Sprintf("Log the agent CLI in, then requeue with `fm run --resume`.\nError: %v", cause)
			if err := p.d.Notifier.Notify(notify.KindFailure, subject, body); err != nil {
				p.logf("failure notification: %v", err)
			}
		}
		return
	}

	// Attempts are incremented by the FAILED -> QUEUED transition; requeue
	// only while the next attempt would still be under the cap.
	if proj.Attempts+1 < store.MaxAttempts {
		if err := p.d.Store.Transition(proj.ID, store.StatusQueued, store.TransitionOpts{}); err != nil {
			p.logf("re-enqueueing %s: %v", proj.Name(), err)
		} else {
			p.logf("re-enqueued %s (attempt %d of %d)", proj.Name(), proj.Attempts+2, store.MaxAttempts)
		}
		return
	}

	if p.d.Notifier != nil {
		subject := fmt.Sprintf("project %s failed permanently", proj.Name())
		body := fmt.Sprintf("Provisioning failed after %d attempts.\nComponents: %s\nError: %v",
			proj.Attempts+1, strings.Join(run.failed, ", "), cause)
		if err := p.d.Notifier.Notify(notify.KindFailure, subject, body); err != nil {
			p.logf("failure notification: %v", err)
		}
	}
}

func (p *Provisioner) logf(format string, args ...any) {
	if p.d.Logger != nil {
		p.d.Logger.Printf(format, args...)
	}
}
