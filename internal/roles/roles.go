// Package roles defines the agent team composition for a project.
package roles

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Core role names. The orchestrator occupies the session's first window
// and owns the primary worktree; agents communicate hub-and-spoke through
// the project manager, which aggregates upward to the orchestrator.
const (
	Orchestrator   = "orchestrator"
	ProjectManager = "project-manager"
	Developer      = "developer"
	Tester         = "tester"
)

// Plan names subscription tiers that cap team size.
type Plan string

const (
	PlanPro   Plan = "pro"
	PlanMax5  Plan = "max5"
	PlanMax20 Plan = "max20"
)

// MaxAgents returns the hard team size cap for a plan. Unknown plans get
// the smallest cap.
func (p Plan) MaxAgents() int {
	switch p {
	case PlanMax20:
		return 8
	case PlanMax5:
		return 5
	default:
		return 3
	}
}

// defaultSize is the stock team size per plan, within the plan's cap.
func (p Plan) defaultSize() int {
	switch p {
	case PlanMax20:
		return 6
	case PlanMax5:
		return 4
	default:
		return 3
	}
}

// Role is one seat on the team.
type Role struct {
	Name        string `toml:"name"`
	WindowIndex int    `toml:"window_index"`
	Brief       string `toml:"brief"`
	Optional    bool   `toml:"optional"`
}

// Team is an ordered set of roles. Order is start order.
type Team struct {
	Roles []Role `toml:"roles"`
}

// catalog is the stock role set in start order. The orchestrator lives in
// window 0, created together with the session.
var catalog = []Role{
	{Name: Orchestrator, WindowIndex: 0, Brief: "supervise the team and report to the operator"},
	{Name: ProjectManager, WindowIndex: 1, Brief: "coordinate agents and aggregate status"},
	{Name: Developer, WindowIndex: 2, Brief: "implement features and fix defects"},
	{Name: Tester, WindowIndex: 3, Brief: "write and run tests against the implementation"},
	{Name: "testrunner", WindowIndex: 4, Brief: "execute test suites and triage failures", Optional: true},
	{Name: "devops", WindowIndex: 5, Brief: "own build and deployment tooling", Optional: true},
	{Name: "sysadmin", WindowIndex: 6, Brief: "manage host resources and services", Optional: true},
	{Name: "securityops", WindowIndex: 7, Brief: "audit dependencies and secrets handling", Optional: true},
}

// startRank orders roles for session start, briefings, and merges.
func startRank(name string) int {
	switch name {
	case Orchestrator:
		return 0
	case ProjectManager:
		return 1
	case Developer:
		return 2
	case Tester:
		return 3
	default:
		return 4
	}
}

// MergeRank orders role branches for auto-merge: project-manager first,
// then developer, tester, then everything else. The orchestrator's
// worktree is the merge target and is never merged as a source.
func MergeRank(name string) int {
	switch name {
	case ProjectManager:
		return 0
	case Developer:
		return 1
	case Tester:
		return 2
	default:
		return 3
	}
}

// SortForMerge orders role names by MergeRank, stable within a rank.
func SortForMerge(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ri, rj := MergeRank(names[i]), MergeRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
}

// Default returns the stock team for a plan.
func Default(plan Plan) *Team {
	n := plan.defaultSize()
	if n > len(catalog) {
		n = len(catalog)
	}
	roles := make([]Role, n)
	copy(roles, catalog[:n])
	return &Team{Roles: roles}
}

// Load reads a team definition from a TOML file, validates it, and caps
// it to the plan. A missing file falls back to the default team.
func Load(path string, plan Plan) (*Team, error) {
	if path == "" {
		return Default(plan), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(plan), nil
		}
		return nil, fmt.Errorf("reading team file: %w", err)
	}

	var team Team
	if err := toml.Unmarshal(data, &team); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := team.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	team.Sort()

	if cap := plan.MaxAgents(); len(team.Roles) > cap {
		team.Roles = trim(team.Roles, cap)
	}
	return &team, nil
}

func (t *Team) validate() error {
	if len(t.Roles) == 0 {
		return fmt.Errorf("team has no roles")
	}
	seenName := make(map[string]bool)
	seenWindow := make(map[int]bool)
	for _, r := range t.Roles {
		if r.Name == "" {
			return fmt.Errorf("role with empty name")
		}
		if seenName[r.Name] {
			return fmt.Errorf("duplicate role %q", r.Name)
		}
		seenName[r.Name] = true
		if r.WindowIndex < 0 {
			return fmt.Errorf("role %q: negative window_index", r.Name)
		}
		if seenWindow[r.WindowIndex] {
			return fmt.Errorf("role %q: duplicate window_index %d", r.Name, r.WindowIndex)
		}
		seenWindow[r.WindowIndex] = true
	}
	if !seenName[Orchestrator] {
		return fmt.Errorf("team must include %s", Orchestrator)
	}
	if !seenName[ProjectManager] {
		return fmt.Errorf("team must include %s", ProjectManager)
	}
	return nil
}

// Sort orders roles by start rank, then window index.
func (t *Team) Sort() {
	sort.SliceStable(t.Roles, func(i, j int) bool {
		ri, rj := startRank(t.Roles[i].Name), startRank(t.Roles[j].Name)
		if ri != rj {
			return ri < rj
		}
		return t.Roles[i].WindowIndex < t.Roles[j].WindowIndex
	})
}

// trim drops optional roles from the end until the team fits the cap.
func trim(roles []Role, cap int) []Role {
	drop := len(roles) - cap
	dropSet := make(map[int]bool)
	for i := len(roles) - 1; i >= 0 && drop > 0; i-- {
		if roles[i].Optional {
			dropSet[i] = true
			drop--
		}
	}
	kept := make([]Role, 0, cap)
	for i, r := range roles {
		if !dropSet[i] {
			kept = append(kept, r)
		}
	}
	if len(kept) > cap {
		kept = kept[:cap]
	}
	return kept
}

// ByName returns the role with the given name.
func (t *Team) ByName(name string) (Role, bool) {
	for _, r := range t.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// Names returns role names in start order.
func (t *Team) Names() []string {
	out := make([]string, len(t.Roles))
	for i, r := range t.Roles {
		out[i] = r.Name
	}
	return out
}

// Peers returns every role except the named one, in start order.
func (t *Team) Peers(name string) []Role {
	var out []Role
	for _, r := range t.Roles {
		if r.Name != name {
			out = append(out, r)
		}
	}
	return out
}
