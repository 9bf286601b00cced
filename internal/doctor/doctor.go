// Package doctor diagnoses a Foreman installation: missing binaries,
// a stale scheduler, orphaned sessions, stuck dispatches. Checks report;
// fixable checks can also repair when the operator asks.
package doctor

import (
	"log"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/config"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/tmux"
)

// Status classifies one check outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Category groups checks in the report.
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryRuntime        Category = "runtime"
	CategoryCleanup        Category = "cleanup"
)

// CheckContext hands each check the wired components.
type CheckContext struct {
	Config *config.Config
	Store  *store.Store
	Tmux   *tmux.Client
	Agent  *agent.CLI
	Logger *log.Logger
}

// CheckResult is one check's report.
type CheckResult struct {
	Name    string
	Status  Status
	Message string
	Details []string
	FixHint string
}

// Check is a single diagnostic.
type Check interface {
	Name() string
	Description() string
	Category() Category
	Run(ctx *CheckContext) *CheckResult
}

// Fixable checks can repair what Run found. Fix runs only after Run, in
// the same process.
type Fixable interface {
	Check
	Fix(ctx *CheckContext) error
}

// BaseCheck supplies the identity methods.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
	CheckCategory    Category
}

func (b *BaseCheck) Name() string        { return b.CheckName }
func (b *BaseCheck) Description() string { return b.CheckDescription }
func (b *BaseCheck) Category() Category  { return b.CheckCategory }

// All returns the full check suite in report order.
func All() []Check {
	return []Check{
		NewBinaryCheck("tmux", "tmux hosts every agent session", "install tmux via your package manager"),
		NewBinaryCheck("git", "git provides worktrees and merges", "install git via your package manager"),
		NewAgentAuthCheck(),
		NewSchedulerHeartbeatCheck(),
		NewStaleDispatchCheck(),
		NewOrphanedSessionCheck(),
	}
}

// Summary aggregates a full run.
type Summary struct {
	Results []*CheckResult
	Fixed   []string
	Errors  int
	Warns   int
}

// RunAll executes every check; with fix set, fixable checks that did not
// pass get their Fix applied and are re-run to report the new state.
func RunAll(ctx *CheckContext, checks []Check, fix bool) *Summary {
	sum := &Summary{}
	for _, c := range checks {
		res := c.Run(ctx)
		if fix && res.Status != StatusOK {
			if f, ok := c.(Fixable); ok {
				if err := f.Fix(ctx); err != nil {
					res.Details = append(res.Details, "fix failed: "+err.Error())
				} else {
					sum.Fixed = append(sum.Fixed, c.Name())
					res = c.Run(ctx)
				}
			}
		}
		switch res.Status {
		case StatusError:
			sum.Errors++
		case StatusWarning:
			sum.Warns++
		}
		sum.Results = append(sum.Results, res)
	}
	return sum
}
