package doctor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/scheduler"
	"github.com/xcawolfe-amzn/foreman/internal/store"
)

// staleDispatchAge matches the scheduler's own crash-recovery cutoff.
const staleDispatchAge = 300 * time.Second

// BinaryCheck verifies a required executable is in PATH.
type BinaryCheck struct {
	BaseCheck
	binary  string
	why     string
	install string

	lookPath func(string) (string, error) // injectable for tests
}

func NewBinaryCheck(binary, why, install string) *BinaryCheck {
	return &BinaryCheck{
		BaseCheck: BaseCheck{
			CheckName:        binary + "-binary",
			CheckDescription: "Check that " + binary + " is installed and in PATH",
			CheckCategory:    CategoryInfrastructure,
		},
		binary:   binary,
		why:      why,
		install:  install,
		lookPath: exec.LookPath,
	}
}

func (c *BinaryCheck) Run(ctx *CheckContext) *CheckResult {
	path, err := c.lookPath(c.binary)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: c.binary + " not found in PATH",
			Details: []string{c.why},
			FixHint: c.install,
		}
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: path,
	}
}

// AgentAuthCheck verifies the agent CLI is installed and its onboarding
// is complete. An unauthenticated agent makes every provisioning attempt
// burn one of the project's retries.
type AgentAuthCheck struct {
	BaseCheck
	lookPath func(string) (string, error)
}

func NewAgentAuthCheck() *AgentAuthCheck {
	return &AgentAuthCheck{
		BaseCheck: BaseCheck{
			CheckName:        "agent-auth",
			CheckDescription: "Check that the agent CLI is installed and authenticated",
			CheckCategory:    CategoryInfrastructure,
		},
		lookPath: exec.LookPath,
	}
}

func (c *AgentAuthCheck) Run(ctx *CheckContext) *CheckResult {
	if _, err := c.lookPath(ctx.Agent.Command); err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("agent command %q not found in PATH", ctx.Agent.Command),
			FixHint: "install the agent CLI or set agent_command in the config file",
		}
	}
	if err := ctx.Agent.CheckAuth(); err != nil {
		status := StatusError
		hint := fmt.Sprintf("run %q once interactively to complete onboarding", ctx.Agent.Command)
		if !errors.Is(err, agent.ErrNotAuthenticated) {
			status = StatusWarning
			hint = ""
		}
		return &CheckResult{
			Name:    c.Name(),
			Status:  status,
			Message: "agent CLI is not ready",
			Details: []string{err.Error()},
			FixHint: hint,
		}
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: ctx.Agent.Command + " is authenticated",
	}
}

// SchedulerHeartbeatCheck detects a scheduler that died without releasing
// its lockfile. The live scheduler touches the heartbeat every few
// seconds, so a lock with a stale heartbeat means a crashed process.
type SchedulerHeartbeatCheck struct {
	BaseCheck
}

func NewSchedulerHeartbeatCheck() *SchedulerHeartbeatCheck {
	return &SchedulerHeartbeatCheck{
		BaseCheck: BaseCheck{
			CheckName:        "scheduler-heartbeat",
			CheckDescription: "Check for a crashed scheduler holding the lock",
			CheckCategory:    CategoryRuntime,
		},
	}
}

func (c *SchedulerHeartbeatCheck) Run(ctx *CheckContext) *CheckResult {
	if _, err := os.Stat(ctx.Config.SchedulerLockPath()); err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: "no scheduler lock present",
		}
	}

	hb, err := os.Stat(ctx.Config.SchedulerHeartbeatPath())
	if err == nil && time.Since(hb.ModTime()) < scheduler.HeartbeatStale {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: "scheduler is running",
		}
	}

	msg := "scheduler lock present but the heartbeat is stale"
	if err != nil {
		msg = "scheduler lock present without a heartbeat file"
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: msg,
		Details: []string{"a scheduler process likely crashed without cleaning up"},
		FixHint: "run with --fix to clear the stale lock, then restart the scheduler",
	}
}

// Fix removes the stale lock and heartbeat files. Safe because Run only
// flags the lock when the heartbeat shows no live scheduler.
func (c *SchedulerHeartbeatCheck) Fix(ctx *CheckContext) error {
	if err := os.Remove(ctx.Config.SchedulerHeartbeatPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(ctx.Config.SchedulerLockPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StaleDispatchCheck finds scheduled tasks stuck mid-dispatch. The
// scheduler recovers these itself at startup; the check catches the case
// where no scheduler has started since the crash.
type StaleDispatchCheck struct {
	BaseCheck
}

func NewStaleDispatchCheck() *StaleDispatchCheck {
	return &StaleDispatchCheck{
		BaseCheck: BaseCheck{
			CheckName:        "stale-dispatches",
			CheckDescription: "Check for tasks stuck in the dispatching state",
			CheckCategory:    CategoryCleanup,
		},
	}
}

func (c *StaleDispatchCheck) Run(ctx *CheckContext) *CheckResult {
	tasks, err := ctx.Store.ListTasks()
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "could not list scheduled tasks",
			Details: []string{err.Error()},
		}
	}

	cutoff := time.Now().Add(-staleDispatchAge).Unix()
	var stuck []string
	for _, t := range tasks {
		if t.State == store.TaskDispatching && t.LastDispatchedEpoch < cutoff {
			stuck = append(stuck, fmt.Sprintf("task %d (%s:%d, %s)",
				t.ID, t.SessionName, t.WindowIndex, t.Role))
		}
	}
	if len(stuck) == 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: "no stuck dispatches",
		}
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d task(s) stuck in dispatching", len(stuck)),
		Details: stuck,
		FixHint: "run with --fix to return them to pending",
	}
}

// Fix returns stuck tasks to pending using the scheduler's own recovery.
func (c *StaleDispatchCheck) Fix(ctx *CheckContext) error {
	_, err := ctx.Store.ResetStuckDispatches(int64(staleDispatchAge.Seconds()))
	return err
}

// OrphanedSessionCheck flags PROCESSING projects whose tmux session no
// longer exists. Not fixable here: the health monitor owns rediscovery
// and phantom handling, and it gives sessions a grace window this check
// has no business overriding.
type OrphanedSessionCheck struct {
	BaseCheck
}

func NewOrphanedSessionCheck() *OrphanedSessionCheck {
	return &OrphanedSessionCheck{
		BaseCheck: BaseCheck{
			CheckName:        "orphaned-sessions",
			CheckDescription: "Check for active projects whose session is gone",
			CheckCategory:    CategoryRuntime,
		},
	}
}

func (c *OrphanedSessionCheck) Run(ctx *CheckContext) *CheckResult {
	projects, err := ctx.Store.ProjectsByStatus(store.StatusProcessing)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "could not list active projects",
			Details: []string{err.Error()},
		}
	}

	var orphaned []string
	for _, p := range projects {
		if p.MainSession == "" {
			continue
		}
		ok, err := ctx.Tmux.HasSession(p.MainSession)
		if err == nil && !ok {
			orphaned = append(orphaned, fmt.Sprintf("project %d (%s): session %s missing",
				p.ID, p.Name(), p.MainSession))
		}
	}
	if len(orphaned) == 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: fmt.Sprintf("%d active project(s), all sessions present", len(projects)),
		}
	}
	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d project(s) lost their session", len(orphaned)),
		Details: orphaned,
		FixHint: "run 'fm health --sweep' and let the monitor rediscover or fail them",
	}
}
