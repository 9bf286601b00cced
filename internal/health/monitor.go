// Package health is the reconciliation loop: it sweeps every PROCESSING
// project, verifies its tmux session and agents are alive, restarts what
// it can, and hands terminal cases to wrap-up.
//
// Every destructive decision is gated twice: once by the grace period
// (new projects are observed, never touched) and once by the
// DISABLE_RECONCILIATION kill switch.
package health

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/briefing"
	"github.com/xcawolfe-amzn/foreman/internal/git"
	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/roles"
	"github.com/xcawolfe-amzn/foreman/internal/scheduler"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/tmux"
	"github.com/xcawolfe-amzn/foreman/internal/worktree"
	"github.com/xcawolfe-amzn/foreman/internal/wrapup"
)

// Sweep policy.
const (
	// SweepInterval is the monitor cadence.
	SweepInterval = 2 * time.Minute
	// sweepBudget bounds one sweep; a hung tmux call must not stall the
	// next cycle.
	sweepBudget = 60 * time.Second

	// RediscoveryWindow bounds how long after start a renamed or
	// re-registered session is searched for.
	RediscoveryWindow = 8 * time.Hour

	// phantomStrikes is how many consecutive sweeps must miss the session
	// before it is declared phantom. One miss can be a tmux server blip.
	phantomStrikes = 2

	// maxRecoveryAttempts per agent before the project is unrecoverable.
	maxRecoveryAttempts = 3

	// stuckAfter is how long a pane must stay unchanged, with the agent
	// CLI out of the foreground, before the agent counts as stuck. A
	// shelled-out build or an interactive git prompt is not a crash.
	stuckAfter = 30 * time.Minute

	// runtimeLimit is the conditional timeout: only enforced while other
	// specs are queued behind the running project.
	runtimeLimit = 4 * time.Hour
)

// completionPhrases in the orchestrator pane suggest the team believes it
// is done. The COMPLETED marker file is the authoritative signal; phrases
// alone only raise an operator review.
var completionPhrases = []string{
	"PROJECT COMPLETE",
	"all tasks complete",
	"implementation is complete",
	"COMPLETED file has been written",
}

// paneClient is the slice of the tmux client the monitor needs.
type paneClient interface {
	HasSession(name string) (bool, error)
	ListSessions() ([]string, error)
	IsAgentRunning(target string) bool
	PaneCommand(target string) (string, error)
	CapturePane(target string, lines int) (string, error)
	RespawnPane(target, command string) error
}

// sender delivers recovery briefings.
type sender interface {
	Send(session string, window int, message string) error
}

// finisher ends projects. Satisfied by wrapup.Wrapper.
type finisher interface {
	Fail(p *store.Project, reasonTag, detail string) error
	Complete(p *store.Project) error
}

// agentCLI restarts agents. Satisfied by *agent.CLI.
type agentCLI interface {
	CheckAuth() error
	StartCommand() string
}

// Deps wires the monitor's collaborators.
type Deps struct {
	Store    *store.Store
	Tmux     paneClient
	Msg      sender
	Wrap     finisher
	Agent    agentCLI
	Notifier notify.Notifier
	Limiter  *scheduler.EventLimiter
	Logger   *log.Logger

	// Grace holds off destructive actions after project start. Clamped
	// upstream to at least 4 hours.
	Grace time.Duration
	// ObserveOnly disables every destructive action (the
	// DISABLE_RECONCILIATION switch).
	ObserveOnly bool
	// CheckInInterval is echoed into recovery briefings.
	CheckInInterval time.Duration
}

// Monitor is the health sweep loop.
type Monitor struct {
	d Deps

	sweeping atomic.Bool
	strikes  map[int64]int
	activity map[string]paneActivity
	now      func() time.Time

	// recentCommits reads an agent's last commits for its recovery
	// briefing. Swapped in tests.
	recentCommits func(ctx context.Context, dir string) []string
}

// New creates a Monitor.
func New(d Deps) *Monitor {
	if d.Limiter == nil {
		d.Limiter = scheduler.NewEventLimiter()
	}
	return &Monitor{
		d:        d,
		strikes:  make(map[int64]int),
		activity: make(map[string]paneActivity),
		now:      time.Now,
		recentCommits: func(ctx context.Context, dir string) []string {
			commits, err := git.Open(dir).Log(ctx, 5)
			if err != nil {
				return nil
			}
			return commits
		},
	}
}

// Run sweeps until ctx is done. A sweep still in flight when the ticker
// fires is not stacked; the tick is skipped.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.sweeping.CompareAndSwap(false, true) {
				m.logf("sweep still running, skipping tick")
				continue
			}
			m.Sweep(ctx)
			m.sweeping.Store(false)
		}
	}
}

// Sweep runs one reconciliation pass over every PROCESSING project.
func (m *Monitor) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepBudget)
	defer cancel()

	m.sweepEscalations()

	projects, err := m.d.Store.ProjectsByStatus(store.StatusProcessing)
	if err != nil {
		m.logf("listing processing projects: %v", err)
		return
	}
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			m.logf("sweep budget exhausted: %v", err)
			return
		}
		m.checkProject(ctx, p)
	}
}

func (m *Monitor) checkProject(ctx context.Context, p *store.Project) {
	inGrace := m.inGrace(p)

	// Session liveness first; everything else needs a session.
	alive := false
	if p.MainSession != "" {
		alive, _ = m.d.Tmux.HasSession(p.MainSession)
	}
	if !alive {
		m.handleMissingSession(p, inGrace)
		return
	}
	m.strikes[p.ID] = 0

	st, err := m.d.Store.SessionStateByProject(p.Name())
	if err != nil {
		m.logf("%s: no session state: %v", p.Name(), err)
		return
	}

	if m.detectCompletion(p, st) {
		return
	}

	anyAlive, terminal := m.checkAgents(ctx, p, st)
	if terminal {
		return
	}

	if !anyAlive && len(st.Agents) > 0 {
		m.failGated(p, inGrace, wrapup.ReasonZombie,
			fmt.Sprintf("session %s is alive but no agent process is running", p.MainSession),
			store.StatusZombie)
		return
	}

	m.checkTimeout(p, inGrace)
}

// handleMissingSession tries rediscovery, then counts phantom strikes.
func (m *Monitor) handleMissingSession(p *store.Project, inGrace bool) {
	if found := m.rediscover(p); found != "" {
		m.logf("%s: rediscovered session %s", p.Name(), found)
		if err := m.d.Store.SetMainSession(p.ID, found); err != nil {
			m.logf("%s: re-registering session: %v", p.Name(), err)
		}
		m.strikes[p.ID] = 0
		return
	}

	m.strikes[p.ID]++
	m.logf("%s: session %q missing (strike %d of %d)",
		p.Name(), p.MainSession, m.strikes[p.ID], phantomStrikes)
	if m.strikes[p.ID] < phantomStrikes {
		return
	}

	m.failGated(p, inGrace, wrapup.ReasonPhantom,
		fmt.Sprintf("session %q gone for %d consecutive sweeps, no rediscovery match", p.MainSession, m.strikes[p.ID]),
		"")
	delete(m.strikes, p.ID)
}

// rediscover looks for a session that matches the project by naming
// convention. Only a unique match within the rediscovery window counts; an
// ambiguous match re-registers nothing.
func (m *Monitor) rediscover(p *store.Project) string {
	if p.StartedAt == nil || m.now().Sub(*p.StartedAt) > RediscoveryWindow {
		return ""
	}
	sessions, err := m.d.Tmux.ListSessions()
	if err != nil {
		return ""
	}
	stem := specStem(p.SpecPath)
	var matches []string
	for _, s := range sessions {
		if s == p.MainSession {
			return s
		}
		if matchesProject(s, stem) {
			matches = append(matches, s)
		}
	}
	if len(matches) == 1 {
		return matches[0]
	}
	if len(matches) > 1 {
		m.logf("%s: ambiguous rediscovery candidates %v", p.Name(), matches)
	}
	return ""
}

// checkAgents snapshots and, where allowed, recovers each agent. Returns
// whether any agent is running or still active and whether the project
// was ended by an unrecoverable agent.
func (m *Monitor) checkAgents(ctx context.Context, p *store.Project, st *store.SessionState) (anyAlive, terminal bool) {
	dirty := false
	for _, a := range st.Agents {
		target := tmux.Target(st.SessionName, a.WindowIndex)
		running := m.d.Tmux.IsAgentRunning(target)
		cmd, _ := m.d.Tmux.PaneCommand(target)

		stuck := false
		if running {
			delete(m.activity, target)
		} else {
			stuck = m.paneSilence(target) >= stuckAfter
		}

		snap := &store.AgentHealth{
			ProjectID:        p.ID,
			SessionName:      st.SessionName,
			Role:             a.Role,
			WindowIndex:      a.WindowIndex,
			CheckedAt:        m.now(),
			PaneCommand:      cmd,
			AgentPresent:     running,
			IsStuck:          stuck,
			RecoveryAttempts: a.RecoveryAttempts,
		}
		if err := m.d.Store.RecordHealth(snap); err != nil {
			m.logf("recording health for %s: %v", target, err)
		}

		if running {
			anyAlive = true
			if !a.IsAlive {
				a.IsAlive = true
				dirty = true
			}
			if capture, err := m.d.Tmux.CapturePane(target, statusCaptureLines); err == nil {
				if m.applyStatusReports(st, capture) {
					dirty = true
				}
				m.interceptAuthRequests(st.SessionName, capture)
			}
			continue
		}

		// The CLI is out of the foreground but the pane is still changing:
		// a build, a pager, an editor. Not a crash yet.
		if !stuck {
			anyAlive = true
			continue
		}

		if m.d.ObserveOnly || m.inGrace(p) {
			m.logf("%s: agent %s down in %s (observe only)", p.Name(), a.Role, target)
			anyAlive = true // leave the project alone
			continue
		}
		recovered, ended := m.recoverAgent(ctx, p, st, a, target)
		dirty = true
		if ended {
			terminal = true
			break
		}
		if recovered {
			anyAlive = true
		}
	}
	if dirty {
		if err := m.d.Store.SaveSessionState(st); err != nil {
			m.logf("saving session state for %s: %v", p.Name(), err)
		}
	}
	return anyAlive, terminal
}

// recoverAgent restarts a dead agent in place and re-briefs it. The second
// return is true when the whole project was declared unrecoverable.
func (m *Monitor) recoverAgent(ctx context.Context, p *store.Project, st *store.SessionState, a *store.AgentState, target string) (bool, bool) {
	if a.RecoveryAttempts >= maxRecoveryAttempts {
		_ = m.d.Wrap.Fail(p, wrapup.ReasonUnrecoverable,
			fmt.Sprintf("agent %s failed %d restarts", a.Role, a.RecoveryAttempts))
		return false, true
	}
	// An unauthenticated CLI will just die again; restarting is noise.
	if err := m.d.Agent.CheckAuth(); err != nil {
		_ = m.d.Wrap.Fail(p, wrapup.ReasonUnrecoverable,
			fmt.Sprintf("agent CLI lost authentication: %v", err))
		return false, true
	}

	m.logf("%s: restarting agent %s in %s (attempt %d)", p.Name(), a.Role, target, a.RecoveryAttempts+1)
	if err := m.d.Tmux.RespawnPane(target, m.d.Agent.StartCommand()); err != nil {
		m.logf("%s: respawn failed: %v", p.Name(), err)
		a.RecoveryAttempts++
		return false, false
	}
	a.RecoveryAttempts++
	a.IsAlive = true
	delete(m.activity, target)

	params := briefing.Params{
		ProjectName:     p.Name(),
		SpecPath:        p.SpecPath,
		SessionName:     st.SessionName,
		WorktreePath:    a.WorktreePath,
		Branch:          a.Branch,
		CheckInInterval: m.d.CheckInInterval,
	}
	role := roles.Role{Name: a.Role, WindowIndex: a.WindowIndex}
	commits := m.recentCommits(ctx, a.WorktreePath)
	if err := m.d.Msg.Send(st.SessionName, a.WindowIndex, briefing.Recovery(role, params, commits)); err != nil {
		m.logf("%s: recovery briefing for %s: %v", p.Name(), a.Role, err)
	}
	return true, false
}

// paneActivity tracks one pane's last capture hash and when it last
// changed.
type paneActivity struct {
	hash    [sha256.Size]byte
	quietAt time.Time
}

// paneSilence reports how long a pane's content has gone unchanged,
// tracked by capture hash across sweeps. A changed or unreadable capture
// resets the clock.
func (m *Monitor) paneSilence(target string) time.Duration {
	capture, err := m.d.Tmux.CapturePane(target, statusCaptureLines)
	if err != nil {
		delete(m.activity, target)
		return 0
	}
	h := sha256.Sum256([]byte(capture))
	prev, ok := m.activity[target]
	if !ok || prev.hash != h {
		m.activity[target] = paneActivity{hash: h, quietAt: m.now()}
		return 0
	}
	return m.now().Sub(prev.quietAt)
}

// completionRoot is where the COMPLETED marker is expected: the
// orchestrator's worktree, falling back to the primary checkout for
// sessions recorded before orchestrators had one.
func completionRoot(p *store.Project, st *store.SessionState) string {
	if st != nil {
		if a := st.Agents[roles.Orchestrator]; a != nil && a.WorktreePath != "" {
			return a.WorktreePath
		}
	}
	return p.ProjectPath
}

// detectCompletion checks the COMPLETED marker and, failing that, the
// orchestrator pane. Returns true when the project left PROCESSING.
func (m *Monitor) detectCompletion(p *store.Project, st *store.SessionState) bool {
	root := completionRoot(p, st)
	if worktree.HasCompletedMarker(root) {
		if m.d.ObserveOnly {
			m.logf("%s: COMPLETED marker present (observe only)", p.Name())
			return false
		}
		if err := m.d.Wrap.Complete(p); err != nil {
			m.logf("%s: completion: %v", p.Name(), err)
			return false
		}
		return true
	}

	// Phrases without the marker are a claim, not a fact. Surface it to
	// the operator instead of trusting it.
	capture, err := m.d.Tmux.CapturePane(tmux.Target(st.SessionName, 0), 50)
	if err != nil {
		return false
	}
	for _, phrase := range completionPhrases {
		if strings.Contains(capture, phrase) {
			if m.d.Notifier != nil &&
				m.d.Limiter.Allow("completion-mismatch", p.Name(), phrase) {
				subject := fmt.Sprintf("project %s claims completion without a COMPLETED marker", p.Name())
				body := fmt.Sprintf("Orchestrator pane contains %q but %s has no marker file.\nReview the session before intervening.",
					phrase, root)
				_ = m.d.Notifier.Notify(notify.KindEscalation, subject, body)
			}
			return false
		}
	}
	return false
}

// checkTimeout enforces the conditional runtime limit: only under queue
// pressure does a long-running project get shut down.
func (m *Monitor) checkTimeout(p *store.Project, inGrace bool) {
	if p.StartedAt == nil {
		return
	}
	age := m.now().Sub(*p.StartedAt)
	if age <= runtimeLimit {
		return
	}
	queued, err := m.d.Store.AnyQueued()
	if err != nil || !queued {
		return
	}
	m.failGated(p, inGrace, wrapup.ReasonTimeout,
		fmt.Sprintf("running %.1fh with specs queued behind it", age.Hours()),
		store.StatusTimingOut)
}

// failGated runs a destructive shutdown through both gates, stepping
// through an intermediate status when one is given.
func (m *Monitor) failGated(p *store.Project, inGrace bool, reason, detail string, via store.ProjectStatus) {
	if m.d.ObserveOnly {
		m.logf("%s: would fail (%s) but reconciliation is disabled: %s", p.Name(), reason, detail)
		return
	}
	if inGrace {
		m.logf("%s: would fail (%s) but still in grace period: %s", p.Name(), reason, detail)
		return
	}
	if via != "" {
		if err := m.d.Store.Transition(p.ID, via, store.TransitionOpts{ErrorMessage: detail}); err != nil {
			m.logf("%s: transition to %s: %v", p.Name(), via, err)
		}
	}
	if err := m.d.Wrap.Fail(p, reason, detail); err != nil {
		m.logf("%s: wrap-up: %v", p.Name(), err)
	}
	delete(m.strikes, p.ID)
}

// interceptAuthRequests files AUTH_REQUEST lines from a pane capture as
// pending authorizations. Creation is idempotent on the request id, so
// re-reading the same scrollback on the next sweep is harmless.
func (m *Monitor) interceptAuthRequests(session, capture string) {
	for _, line := range strings.Split(capture, "\n") {
		id, priority, from, to, action, ok := store.ParseAuthRequest(line)
		if !ok {
			continue
		}
		if _, err := m.d.Store.CreateAuthorization(session, id, priority, from, to, action); err != nil {
			m.logf("filing authorization %s: %v", id, err)
		}
	}
}

// sweepEscalations surfaces authorization requests that burned most of
// their response window.
func (m *Monitor) sweepEscalations() {
	due, err := m.d.Store.EscalationsDue()
	if err != nil {
		m.logf("listing escalations: %v", err)
		return
	}
	for _, a := range due {
		if err := m.d.Store.ResolveAuthorization(a.RequestID, store.AuthEscalated,
			"escalated by health monitor at 80% of timeout"); err != nil {
			m.logf("escalating %s: %v", a.RequestID, err)
			continue
		}
		if m.d.Notifier != nil && m.d.Limiter.Allow("auth-escalation", a.RequestID, a.Action) {
			subject := fmt.Sprintf("authorization %s needs a decision", a.RequestID)
			body := fmt.Sprintf("Request from %s to %s in %s:\n  %s\nPriority %d, %d minute timeout nearly exhausted.",
				a.FromRole, a.ToRole, a.SessionName, a.Action, a.Priority, a.TimeoutMinutes)
			_ = m.d.Notifier.Notify(notify.KindEscalation, subject, body)
		}
	}
}

func (m *Monitor) inGrace(p *store.Project) bool {
	if p.StartedAt == nil {
		return true
	}
	return m.now().Sub(*p.StartedAt) < m.d.Grace
}

// specStem is the spec filename without extension, the seed for session
// naming and rediscovery.
func specStem(specPath string) string {
	base := specPath
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// matchesProject reports whether a session name plausibly belongs to the
// project: either the provisioning naming convention, or at least two
// keywords from the spec stem.
func matchesProject(session, stem string) bool {
	norm := normalize(stem)
	if strings.HasPrefix(session, norm+"-impl-") {
		return true
	}
	keywords := splitKeywords(norm)
	if len(keywords) < 2 {
		return false
	}
	found := 0
	lower := strings.ToLower(session)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			found++
		}
	}
	return found >= 2
}

func normalize(s string) string {
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

func splitKeywords(stem string) []string {
	parts := strings.FieldsFunc(strings.ToLower(stem), func(r rune) bool {
		return r == '-' || r == '_'
	})
	var out []string
	for _, p := range parts {
		if len(p) > 2 {
			out = append(out, p)
		}
	}
	return out
}

func (m *Monitor) logf(format string, args ...any) {
	if m.d.Logger != nil {
		m.d.Logger.Printf(format, args...)
	}
}
