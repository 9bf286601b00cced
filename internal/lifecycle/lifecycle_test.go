package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/agent"
	"github.com/xcawolfe-amzn/foreman/internal/config"
	"github.com/xcawolfe-amzn/foreman/internal/notify"
	"github.com/xcawolfe-amzn/foreman/internal/store"
	"github.com/xcawolfe-amzn/foreman/internal/worktree"
)

type fakeTmux struct {
	sessions map[string]bool
	roots    map[string]string // session -> workDir
	windows  []string          // "session:index:name"
	typed    []string          // raw SendLiteral payloads
	killed   []string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: make(map[string]bool), roots: make(map[string]string)}
}

func (f *fakeTmux) NewSession(name, workDir string) error {
	f.sessions[name] = true
	f.roots[name] = workDir
	return nil
}

func (f *fakeTmux) NewWindow(session string, index int, name, workDir string) error {
	f.windows = append(f.windows, fmt.Sprintf("%s:%d:%s", session, index, name))
	return nil
}

func (f *fakeTmux) HasSession(name string) (bool, error) { return f.sessions[name], nil }

func (f *fakeTmux) KillSessionGraceful(name string, grace time.Duration) error {
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeTmux) SendLiteral(target, text string) error {
	f.typed = append(f.typed, text)
	return nil
}

func (f *fakeTmux) SendEnter(target string) error                  { return nil }
func (f *fakeTmux) CapturePane(string, int) (string, error)        { return "? for shortcuts", nil }
func (f *fakeTmux) PaneCommand(string) (string, error)             { return "node", nil }

type fakeSender struct {
	sent map[string]string // "session:window" -> message
	err  error
}

func (f *fakeSender) Send(session string, window int, message string) error {
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[fmt.Sprintf("%s:%d", session, window)] = message
	return nil
}

type fakeTrees struct {
	provisioned []string
	tornDown    int
	err         error
}

func (f *fakeTrees) Provision(_ context.Context, projectPath, role string) (*worktree.Worktree, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.provisioned = append(f.provisioned, role)
	return &worktree.Worktree{
		Role:   role,
		Path:   filepath.Join(projectPath+"-tmux-worktrees", role),
		Branch: "main-" + role,
		Base:   "main",
	}, nil
}

func (f *fakeTrees) TeardownAll(_ context.Context, trees []*worktree.Worktree) error {
	f.tornDown += len(trees)
	return nil
}

type fakeCLI struct {
	authErr error
}

func (f *fakeCLI) CheckAuth() error     { return f.authErr }
func (f *fakeCLI) StartCommand() string { return "claude --dangerously-skip-permissions" }

type fakeNotifier struct {
	kinds []notify.Kind
}

func (f *fakeNotifier) Notify(kind notify.Kind, subject, body string, attachments ...string) error {
	f.kinds = append(f.kinds, kind)
	return nil
}

type harness struct {
	p     *Provisioner
	store *store.Store
	tm    *fakeTmux
	msg   *fakeSender
	trees *fakeTrees
	cli   *fakeCLI
	note  *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store: s,
		tm:    newFakeTmux(),
		msg:   &fakeSender{},
		trees: &fakeTrees{},
		cli:   &fakeCLI{},
		note:  &fakeNotifier{},
	}
	h.p = New(Deps{
		Store:     s,
		Tmux:      h.tm,
		Messenger: h.msg,
		Worktrees: h.trees,
		Agent:     h.cli,
		Notifier:  h.note,
		Config: &config.Config{
			Root:            t.TempDir(),
			Plan:            "pro",
			CheckInInterval: 20 * time.Minute,
		},
		Logger: log.New(testWriter{t}, "", 0),
	})
	h.p.sleep = func(time.Duration) {}
	h.p.readyTimeout = 50 * time.Millisecond
	return h
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func promote(t *testing.T, s *store.Store) *store.Project {
	t.Helper()
	if _, err := s.CreateProject("/specs/billing-api.md", "/work/billing-api", ""); err != nil {
		t.Fatal(err)
	}
	p, err := s.PromoteNextQueued()
	if err != nil || p == nil {
		t.Fatalf("PromoteNextQueued: %v %v", p, err)
	}
	return p
}

func TestProvisionHappyPath(t *testing.T) {
	h := newHarness(t)
	proj := promote(t, h.store)

	if err := h.p.Provision(context.Background(), proj); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	got, _ := h.store.Project(proj.ID)
	if got.Status != store.StatusProcessing {
		t.Errorf("status = %s, want PROCESSING", got.Status)
	}
	if !strings.Contains(got.MainSession, "-impl-") {
		t.Errorf("main session %q lacks -impl- infix", got.MainSession)
	}
	if !h.tm.sessions[got.MainSession] {
		t.Error("tmux session not created")
	}

	// Plan pro: orchestrator + project-manager + developer, one worktree
	// each. The session itself is rooted in the orchestrator's worktree.
	if len(h.tm.windows) != 2 {
		t.Errorf("windows = %v, want 2 beyond window 0", h.tm.windows)
	}
	if len(h.trees.provisioned) != 3 {
		t.Errorf("worktrees for %v, want all three roles", h.trees.provisioned)
	}
	wantRoot := filepath.Join("/work/billing-api-tmux-worktrees", "orchestrator")
	if root := h.tm.roots[got.MainSession]; root != wantRoot {
		t.Errorf("session root = %q, want %q", root, wantRoot)
	}

	if len(h.msg.sent) != 3 {
		t.Errorf("briefings sent = %d, want 3", len(h.msg.sent))
	}
	orch := h.msg.sent[got.MainSession+":0"]
	if !strings.Contains(orch, "orchestrator") || !strings.Contains(orch, "/specs/billing-api.md") {
		t.Errorf("orchestrator briefing missing essentials:\n%s", orch)
	}

	st, err := h.store.SessionStateByProject("billing-api")
	if err != nil {
		t.Fatalf("session state not saved: %v", err)
	}
	if len(st.Agents) != 3 {
		t.Errorf("agents = %d, want 3", len(st.Agents))
	}
	if st.PhasesCompleted[len(st.PhasesCompleted)-1] != phaseScheduled {
		t.Errorf("last phase = %v", st.PhasesCompleted)
	}

	tasks, err := h.store.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("scheduled check-ins = %d, want 2 (not the orchestrator)", len(tasks))
	}
	due, err := h.store.ClaimDue(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("check-ins due immediately: %d, want 0 (first run one interval out)", len(due))
	}
}

func TestProvisionAuthFailureFailsFast(t *testing.T) {
	h := newHarness(t)
	h.cli.authErr = fmt.Errorf("checking auth: %w", agent.ErrNotAuthenticated)
	proj := promote(t, h.store)

	if err := h.p.Provision(context.Background(), proj); err == nil {
		t.Fatal("Provision succeeded with failed auth")
	}

	// Missing auth needs the operator; no retry gets burned on it.
	got, _ := h.store.Project(proj.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want FAILED (no auto-retry)", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if len(h.tm.sessions) != 0 {
		t.Error("session created despite auth failure")
	}
	if len(h.note.kinds) != 1 || h.note.kinds[0] != notify.KindFailure {
		t.Errorf("notifications = %v, want one failure alert", h.note.kinds)
	}
}

func TestProvisionReadyTimeoutCompensates(t *testing.T) {
	h := newHarness(t)
	h.p.waitReady = func(sessionClient, string, time.Duration) error {
		return errors.New("agent never came up")
	}
	proj := promote(t, h.store)

	if err := h.p.Provision(context.Background(), proj); err == nil {
		t.Fatal("Provision succeeded despite agents never ready")
	}

	if len(h.tm.killed) != 1 {
		t.Errorf("killed sessions = %v, want exactly the new one", h.tm.killed)
	}
	if h.trees.tornDown != 3 {
		t.Errorf("worktrees torn down = %d, want 3", h.trees.tornDown)
	}

	got, _ := h.store.Project(proj.ID)
	if got.Status != store.StatusQueued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
	if !strings.Contains(got.FailedComponents, "agent-ready") {
		t.Errorf("failed components = %q", got.FailedComponents)
	}
}

func TestProvisionExhaustedAttemptsStayFailed(t *testing.T) {
	h := newHarness(t)
	h.trees.err = errors.New("disk full")

	proj := promote(t, h.store)
	// Burn attempts up to the cap.
	for i := 0; i < store.MaxAttempts-1; i++ {
		if err := h.p.Provision(context.Background(), proj); err == nil {
			t.Fatal("Provision unexpectedly succeeded")
		}
		var perr error
		proj, perr = h.store.PromoteNextQueued()
		if perr != nil || proj == nil {
			t.Fatalf("re-promote %d: %v %v", i, proj, perr)
		}
	}

	if err := h.p.Provision(context.Background(), proj); err == nil {
		t.Fatal("final Provision unexpectedly succeeded")
	}

	got, _ := h.store.Project(proj.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s, want FAILED (attempts exhausted)", got.Status)
	}
	if len(h.note.kinds) == 0 || h.note.kinds[len(h.note.kinds)-1] != notify.KindFailure {
		t.Errorf("no failure notification sent: %v", h.note.kinds)
	}
}

func TestSessionName(t *testing.T) {
	name := SessionName("/specs/Billing API v2.md")
	if !strings.HasPrefix(name, "Billing-API-v2-impl-") {
		t.Errorf("SessionName = %q", name)
	}
	if name == SessionName("/specs/Billing API v2.md") {
		t.Error("session names must be unique per call")
	}
}
