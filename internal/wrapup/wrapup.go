// Package wrapup ends a project's session: terminal failure handling with
// a forensic report, and completion handoff into the merge pipeline.
//
// Failure wrap-up is deliberately ordered: notify first, capture evidence
// second, destroy last. Once the session is killed the panes are gone, so
// nothing destructive happens until the report is on disk.
package wrapup

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/registry"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/tmux"
)

// captureLines is how much scrollback each window contributes to the
// failure report.
const captureLines = 100

// Reason tags recorded with every failure.
const (
	ReasonTimeout       = "timeout_with_pending_specs"
	ReasonPhantom       = "phantom_session"
	ReasonZombie        = "zombie_session"
	ReasonUnrecoverable = "unrecoverable_agent"
	ReasonOperator      = "operator_requested"
)

// paneCapturer is the slice of the tmux client wrap-up needs.
type paneCapturer interface {
	HasSession(name string) (bool, error)
	ListWindows(session string) (map[int]string, error)
	CapturePane(target string, lines int) (string, error)
	KillSessionGraceful(name string, grace time.Duration) error
}

// Wrapper ends sessions and writes the paperwork.
type Wrapper struct {
	store       *store.Store
	tm          paneCapturer
	reg         *registry.Registry
	notifier    notify.Notifier
	failureLog  string // append-only JSONL mirror
	logger      *log.Logger
	now         func() time.Time
	killGrace   time.Duration
}

// New creates a Wrapper. failureLog is the JSONL mirror path.
func New(s *store.Store, tm paneCapturer, reg *registry.Registry, n notify.Notifier, failureLog string, logger *log.Logger) *Wrapper {
	return &Wrapper{
		store:      s,
		tm:         tm,
		reg:        reg,
		notifier:   n,
		failureLog: failureLog,
		logger:     logger,
		now:        time.Now,
		killGrace:  5 * time.Second,
	}
}

// Fail wraps up a failed project: alert, forensic report, store records,
// state transition, session destruction, and a re-enqueue while attempts
// remain under the cap.
func (w *Wrapper) Fail(proj *store.Project, reasonTag, detail string) error {
	name := proj.Name()
	w.logf("wrapping up %s: %s (%s)", name, reasonTag, detail)

	st, _ := w.store.SessionStateByProject(name)

	// 1. Alert before anything is destroyed.
	if w.notifier != nil {
		kind := notify.KindFailure
		if reasonTag == ReasonTimeout {
			kind = notify.KindTimeout
		}
		subject := fmt.Sprintf("project %s is being shut down (%s)", name, reasonTag)
		if err := w.notifier.Notify(kind, subject, detail); err != nil {
			w.logf("wrap-up notification: %v", err)
		}
	}

	// 2. Evidence while the panes still exist.
	report := w.buildReport(proj, st, reasonTag, detail)
	reportPath := w.writeReport(name, report)

	// 3. Durable records.
	rec := &store.FailureRecord{
		ProjectID:     proj.ID,
		SessionName:   proj.MainSession,
		ReasonTag:     reasonTag,
		DurationHours: w.duration(proj).Hours(),
		SpecPath:      proj.SpecPath,
		Notes:         detail,
		ReportPath:    reportPath,
	}
	if st != nil {
		rec.AgentCount = len(st.Agents)
	}
	if err := w.store.RecordFailure(rec); err != nil {
		w.logf("recording failure: %v", err)
	}
	w.mirrorFailure(rec)

	// 4. Session state: remember why, clear stale dependencies.
	if st != nil {
		st.FailureReason = reasonTag + ": " + detail
		for _, a := range st.Agents {
			a.IsAlive = false
			a.WaitingFor = nil
		}
		if err := w.store.SaveSessionState(st); err != nil {
			w.logf("saving failed session state: %v", err)
		}
		if w.reg != nil {
			_ = w.reg.WriteSessionState(st)
		}
	}

	// 5. The transition, before destruction: a crash here leaves a FAILED
	// project with a live session, which the health monitor cleans up.
	if err := w.store.Transition(proj.ID, store.StatusFailed, store.TransitionOpts{
		ErrorMessage: fmt.Sprintf("%s: %s (attempt %d of %d)",
			reasonTag, detail, proj.Attempts+1, store.MaxAttempts),
	}); err != nil {
		w.logf("transition to FAILED: %v", err)
	}

	// 6. Destruction.
	if proj.MainSession != "" {
		if exists, _ := w.tm.HasSession(proj.MainSession); exists {
			if err := w.tm.KillSessionGraceful(proj.MainSession, w.killGrace); err != nil {
				return fmt.Errorf("killing session %s: %w", proj.MainSession, err)
			}
		}
		if _, err := w.store.RemoveSessionTasks(proj.MainSession); err != nil {
			w.logf("removing session tasks: %v", err)
		}
	}

	// 7. Retry while the budget lasts. The FAILED -> QUEUED transition
	// increments attempts and clears the session binding; the queue will
	// promote the project again on its next tick.
	if proj.Attempts+1 < store.MaxAttempts {
		if err := w.store.Transition(proj.ID, store.StatusQueued, store.TransitionOpts{}); err != nil {
			w.logf("re-enqueueing %s: %v", name, err)
		} else {
			w.logf("re-enqueued %s (attempt %d of %d)", name, proj.Attempts+2, store.MaxAttempts)
		}
	} else {
		w.logf("%s: retry budget exhausted after %d attempts", name, proj.Attempts+1)
	}
	return nil
}

// Complete hands a finished project to the merge pipeline. The tmux
// session stays alive until the merge lands; the merge runner calls
// CleanupSession afterwards.
func (w *Wrapper) Complete(proj *store.Project) error {
	name := proj.Name()
	if err := w.store.Transition(proj.ID, store.StatusCompleted, store.TransitionOpts{
		MergedStatus: store.MergePending,
	}); err != nil {
		return fmt.Errorf("completing %s: %w", name, err)
	}
	if proj.MainSession != "" {
		if _, err := w.store.RemoveSessionTasks(proj.MainSession); err != nil {
			w.logf("removing session tasks: %v", err)
		}
	}
	if w.notifier != nil {
		subject := fmt.Sprintf("project %s completed", name)
		body := fmt.Sprintf("Spec: %s\nDuration: %.1fh\nAwaiting auto-merge.",
			proj.SpecPath, w.duration(proj).Hours())
		if err := w.notifier.Notify(notify.KindCompletion, subject, body); err != nil {
			w.logf("completion notification: %v", err)
		}
	}
	w.logf("%s completed, pending merge", name)
	return nil
}

// CleanupSession kills a completed project's session after its merge
// resolved. Deferred so the operator can inspect a just-finished team.
func (w *Wrapper) CleanupSession(proj *store.Project) {
	if proj.MainSession == "" {
		return
	}
	exists, _ := w.tm.HasSession(proj.MainSession)
	if !exists {
		return
	}
	if err := w.tm.KillSessionGraceful(proj.MainSession, w.killGrace); err != nil {
		w.logf("cleanup of %s: %v", proj.MainSession, err)
	}
}

func (w *Wrapper) duration(proj *store.Project) time.Duration {
	if proj.StartedAt == nil {
		return 0
	}
	return w.now().Sub(*proj.StartedAt)
}

// buildReport composes the Markdown failure report.
func (w *Wrapper) buildReport(proj *store.Project, st *store.SessionState, reasonTag, detail string) string {
	var b strings.Builder
	name := proj.Name()

	fmt.Fprintf(&b, "# Failure report: %s\n\n", name)
	fmt.Fprintf(&b, "- Time: %s\n", w.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Session: %s\n", proj.MainSession)
	fmt.Fprintf(&b, "- Spec: %s\n", proj.SpecPath)
	fmt.Fprintf(&b, "- Reason: %s\n", reasonTag)
	fmt.Fprintf(&b, "- Detail: %s\n", detail)
	fmt.Fprintf(&b, "- Duration: %.1fh\n", w.duration(proj).Hours())
	fmt.Fprintf(&b, "- Attempts: %d of %d\n\n", proj.Attempts+1, store.MaxAttempts)

	if st != nil && len(st.Agents) > 0 {
		b.WriteString("## Agents\n\n")
		names := make([]string, 0, len(st.Agents))
		for n := range st.Agents {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			a := st.Agents[n]
			fmt.Fprintf(&b, "- %s (window %d, branch %s): alive=%v recoveries=%d",
				a.Role, a.WindowIndex, a.Branch, a.IsAlive, a.RecoveryAttempts)
			if a.WaitingFor != nil {
				fmt.Fprintf(&b, " waiting on %s (%s)", a.WaitingFor.TargetRole, a.WaitingFor.Reason)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	w.appendCaptures(&b, proj.MainSession)
	w.appendRecommendations(&b, reasonTag)
	return b.String()
}

func (w *Wrapper) appendCaptures(b *strings.Builder, session string) {
	if session == "" {
		return
	}
	windows, err := w.tm.ListWindows(session)
	if err != nil {
		fmt.Fprintf(b, "## Pane captures\n\nunavailable: %v\n\n", err)
		return
	}
	indices := make([]int, 0, len(windows))
	for i := range windows {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	b.WriteString("## Pane captures\n\n")
	for _, i := range indices {
		content, err := w.tm.CapturePane(tmux.Target(session, i), captureLines)
		fmt.Fprintf(b, "### window %d (%s)\n\n", i, windows[i])
		if err != nil {
			fmt.Fprintf(b, "capture failed: %v\n\n", err)
			continue
		}
		fmt.Fprintf(b, "```\n%s\n```\n\n", strings.TrimRight(content, "\n"))
	}
}

func (w *Wrapper) appendRecommendations(b *strings.Builder, reasonTag string) {
	b.WriteString("## Recommendations\n\n")
	switch reasonTag {
	case ReasonTimeout:
		b.WriteString("- The session exceeded its runtime with other specs queued. Check the captures for an agent looping or waiting on input.\n")
		b.WriteString("- Committed work survives on the role branches; consider resubmitting with a narrower spec.\n")
	case ReasonPhantom:
		b.WriteString("- The registered tmux session disappeared and no rename candidate matched. Check whether the tmux server restarted.\n")
	case ReasonZombie:
		b.WriteString("- The session existed but no agent process was running. Check agent CLI authentication and crash logs.\n")
	case ReasonUnrecoverable:
		b.WriteString("- An agent failed repeated restarts. Verify the agent CLI runs manually in the worktree before resubmitting.\n")
	default:
		b.WriteString("- Review the pane captures above for the last activity before shutdown.\n")
	}
}

// writeReport stores the report in the project registry, returning its
// path (empty on failure; the report is evidence, not a precondition).
func (w *Wrapper) writeReport(project, report string) string {
	if w.reg == nil {
		return ""
	}
	dir, err := w.reg.ProjectDir(project)
	if err != nil {
		w.logf("failure report dir: %v", err)
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("failure_%s.md", w.now().UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		w.logf("writing failure report: %v", err)
		return ""
	}
	return path
}

// mirrorFailure appends the record to the failures JSONL stream.
func (w *Wrapper) mirrorFailure(rec *store.FailureRecord) {
	if w.failureLog == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(w.failureLog), 0o755); err != nil {
		w.logf("failure log dir: %v", err)
		return
	}
	f, err := os.OpenFile(w.failureLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.logf("opening failure log: %v", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(map[string]any{
		"time":           w.now().UTC().Format(time.RFC3339),
		"project_id":     rec.ProjectID,
		"session":        rec.SessionName,
		"reason":         rec.ReasonTag,
		"duration_hours": rec.DurationHours,
		"spec":           rec.SpecPath,
		"agents":         rec.AgentCount,
		"report":         rec.ReportPath,
	})
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logf("appending failure log: %v", err)
	}
}

func (w *Wrapper) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
