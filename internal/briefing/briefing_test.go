package briefing

import (
	"strings"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/roles"
)

func testParams() Params {
	return Params{
		ProjectName:     "projA",
		SpecPath:        "/specs/projA.md",
		SessionName:     "projA-impl-ab12",
		WorktreePath:    "/work/projA-tmux-worktrees/developer",
		Branch:          "main-developer",
		StartingBranch:  "main",
		Team:            roles.Default(roles.PlanMax5),
		CheckInInterval: 20 * time.Minute,
	}
}

func TestComposeDeveloper(t *testing.T) {
	p := testParams()
	role, _ := p.Team.ByName(roles.Developer)
	text := Compose(role, p)

	for _, want := range []string{
		"developer",
		"/specs/projA.md",
		"/work/projA-tmux-worktrees/developer",
		"main-developer",
		"project-manager in window 1",
		"STATUS developer",
		"Every 20 minutes",
		"Commit at least every 30 minutes",
		"hub-and-spoke",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("briefing missing %q", want)
		}
	}
	if strings.Contains(text, "developer in window 2") {
		t.Error("briefing lists the role as its own peer")
	}
	if strings.Contains(text, "COMPLETED file") {
		t.Error("worker briefing contains the orchestrator's completion duty")
	}
}

func TestComposeOrchestratorCompletionDuty(t *testing.T) {
	p := testParams()
	role, _ := p.Team.ByName(roles.Orchestrator)
	text := Compose(role, p)
	if !strings.Contains(text, "COMPLETED file") {
		t.Error("orchestrator briefing missing completion marker instruction")
	}
	if !strings.Contains(text, "project-manager aggregates") {
		t.Error("orchestrator briefing missing hub description")
	}
}

func TestComposeDetached(t *testing.T) {
	p := testParams()
	p.Branch = ""
	role, _ := p.Team.ByName(roles.Tester)
	text := Compose(role, p)
	if !strings.Contains(text, "detached checkout") {
		t.Error("detached briefing missing detached note")
	}
}

func TestComposeDefaultCadence(t *testing.T) {
	p := testParams()
	p.CheckInInterval = 0
	role, _ := p.Team.ByName(roles.Developer)
	if !strings.Contains(Compose(role, p), "Every 20 minutes") {
		t.Error("zero cadence should fall back to 20 minutes")
	}
}

func TestRecovery(t *testing.T) {
	p := testParams()
	role, _ := p.Team.ByName(roles.Developer)
	text := Recovery(role, p, []string{"add parser", "fix nil deref"})

	for _, want := range []string{
		"restarted",
		"main-developer",
		"add parser",
		"fix nil deref",
		"STATUS report",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("recovery briefing missing %q", want)
		}
	}
}
