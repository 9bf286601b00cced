// Package briefing composes the role instructions injected into each
// agent window after its CLI is ready.
package briefing

import (
	"fmt"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/roles"
)

// Params carries everything a briefing needs beyond the role itself.
type Params struct {
	ProjectName     string
	SpecPath        string
	SessionName     string
	WorktreePath    string
	Branch          string
	StartingBranch  string
	Team            *roles.Team
	CheckInInterval time.Duration
}

// Compose builds the full briefing payload for one role. The text is
// plain UTF-8 sent through the messenger as a single message; agents
// parse nothing, they just read it.
func Compose(role roles.Role, p Params) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s for project %q.\n\n", role.Name, p.ProjectName)
	if role.Brief != "" {
		fmt.Fprintf(&b, "Your responsibility: %s.\n", role.Brief)
	}
	fmt.Fprintf(&b, "The project specification is at %s. Read it before doing anything else.\n\n", p.SpecPath)

	fmt.Fprintf(&b, "Working directory: %s\n", p.WorktreePath)
	if p.Branch != "" {
		fmt.Fprintf(&b, "Your branch: %s (cut from %s). Commit only here.\n", p.Branch, p.StartingBranch)
	} else {
		fmt.Fprintf(&b, "You are on a detached checkout of %s. Commit locally; your work is collected at merge time.\n", p.StartingBranch)
	}
	b.WriteString("\n")

	writeTeamSection(&b, role, p)
	writeProtocolSection(&b, role, p)
	writeGitSection(&b, role)
	writeRecoverySection(&b, role)

	return b.String()
}

func writeTeamSection(b *strings.Builder, role roles.Role, p Params) {
	b.WriteString("Your team (tmux session " + p.SessionName + "):\n")
	for _, peer := range p.Team.Peers(role.Name) {
		fmt.Fprintf(b, "  - %s in window %d\n", peer.Name, peer.WindowIndex)
	}
	b.WriteString("\n")
}

func writeProtocolSection(b *strings.Builder, role roles.Role, p Params) {
	minutes := int(p.CheckInInterval.Minutes())
	if minutes <= 0 {
		minutes = 20
	}

	switch role.Name {
	case roles.Orchestrator:
		fmt.Fprintf(b, "Communication: the project-manager aggregates all agent status and reports to you. Do not message worker agents directly; route direction through the project-manager.\n")
	case roles.ProjectManager:
		fmt.Fprintf(b, "Communication: all agents report to you and only you (hub-and-spoke). You aggregate their status and report upward to the orchestrator in window 0.\n")
	default:
		pm, _ := p.Team.ByName(roles.ProjectManager)
		fmt.Fprintf(b, "Communication: report only to the project-manager in window %d (hub-and-spoke). Never message other agents directly.\n", pm.WindowIndex)
	}

	fmt.Fprintf(b, "Every %d minutes, post a status report in this exact shape:\n", minutes)
	fmt.Fprintf(b, "  STATUS %s <iso-timestamp>\n", role.Name)
	b.WriteString("  Completed: <what is done>\n")
	b.WriteString("  Current: <what you are doing>\n")
	b.WriteString("  Blocked: <blockers, or none>\n")
	b.WriteString("  ETA: <estimate>\n\n")
}

func writeGitSection(b *strings.Builder, role roles.Role) {
	b.WriteString("Git discipline:\n")
	b.WriteString("  - Commit at least every 30 minutes. Small commits with clear messages.\n")
	b.WriteString("  - Never checkout another branch; your worktree is pinned to yours.\n")
	b.WriteString("  - Never merge or rebase; the merge pipeline handles integration.\n")
	if role.Name == roles.Orchestrator {
		b.WriteString("  - When the project is done, write a COMPLETED file (Markdown, header plus summary) at your worktree root.\n")
	}
	b.WriteString("\n")
}

func writeRecoverySection(b *strings.Builder, role roles.Role) {
	b.WriteString("If you are restarted: run `git log --oneline -10` and `git status` in your working directory, ")
	b.WriteString("read your most recent commits, and resume from the last checkpoint. ")
	if role.Name == roles.ProjectManager {
		b.WriteString("Ask every agent for a fresh STATUS report before assigning new work.")
	} else {
		b.WriteString("Post a STATUS report to the project-manager before resuming work.")
	}
	b.WriteString("\n")
}

// Recovery builds the shorter briefing sent to an agent relaunched by the
// health monitor: current branch, recent commits, resume instruction.
func Recovery(role roles.Role, p Params, recentCommits []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s for project %q, restarted after your previous process stopped.\n\n", role.Name, p.ProjectName)
	fmt.Fprintf(&b, "Working directory: %s\n", p.WorktreePath)
	if p.Branch != "" {
		fmt.Fprintf(&b, "Your branch: %s\n", p.Branch)
	}
	if len(recentCommits) > 0 {
		b.WriteString("Your most recent commits, newest first:\n")
		for _, c := range recentCommits {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	b.WriteString("\nRun `git status` and resume from the last checkpoint. ")
	b.WriteString("Post a STATUS report to the project-manager, then continue the work in progress.\n")
	return b.String()
}
