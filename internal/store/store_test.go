package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectLifecycle(t *testing.T) {
	s := openTestStore(t)

	p, err := s.CreateProject("/specs/a.md", "/work/projA", "batch-1")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Status != StatusQueued {
		t.Fatalf("new project status = %s, want QUEUED", p.Status)
	}
	if p.Name() != "projA" {
		t.Errorf("Name() = %q, want projA", p.Name())
	}

	got, err := s.PromoteNextQueued()
	if err != nil {
		t.Fatalf("PromoteNextQueued: %v", err)
	}
	if got == nil || got.ID != p.ID {
		t.Fatalf("promoted = %+v, want project %d", got, p.ID)
	}
	if got.Status != StatusProcessing || got.StartedAt == nil {
		t.Errorf("promoted project = %+v, want PROCESSING with started_at", got)
	}

	if err := s.SetMainSession(p.ID, "projA-main"); err != nil {
		t.Fatalf("SetMainSession: %v", err)
	}

	if err := s.Transition(p.ID, StatusCompleted, TransitionOpts{MergedStatus: MergePending}); err != nil {
		t.Fatalf("Transition to COMPLETED: %v", err)
	}
	final, err := s.Project(p.ID)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if final.Status != StatusCompleted || final.CompletedAt == nil {
		t.Errorf("final = %+v, want COMPLETED with completed_at", final)
	}
	if final.MergedStatus != MergePending {
		t.Errorf("merged_status = %q, want PENDING_MERGE", final.MergedStatus)
	}
}

func TestSingleProcessingSlot(t *testing.T) {
	s := openTestStore(t)

	first, _ := s.CreateProject("/specs/a.md", "/work/a", "")
	if _, err := s.CreateProject("/specs/b.md", "/work/b", ""); err != nil {
		t.Fatalf("CreateProject b: %v", err)
	}

	got, err := s.PromoteNextQueued()
	if err != nil || got == nil {
		t.Fatalf("first promote = (%v, %v), want project", got, err)
	}
	if got.ID != first.ID {
		t.Errorf("promoted project %d, want oldest (%d)", got.ID, first.ID)
	}

	// Slot occupied: second promote is a no-op, not an error.
	second, err := s.PromoteNextQueued()
	if err != nil {
		t.Fatalf("second promote error: %v", err)
	}
	if second != nil {
		t.Errorf("second promote = %+v, want nil while slot occupied", second)
	}

	n, err := s.CountProcessing()
	if err != nil {
		t.Fatalf("CountProcessing: %v", err)
	}
	if n != 1 {
		t.Errorf("CountProcessing = %d, want 1", n)
	}
}

func TestPromoteEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	_, err := s.PromoteNextQueued()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("promote on empty queue = %v, want ErrNotFound", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := openTestStore(t)
	p, _ := s.CreateProject("/specs/a.md", "/work/a", "")

	err := s.Transition(p.ID, StatusCompleted, TransitionOpts{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("QUEUED -> COMPLETED = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryCapExcludesFromQueue(t *testing.T) {
	s := openTestStore(t)
	p, _ := s.CreateProject("/specs/a.md", "/work/a", "")

	for i := 0; i < MaxAttempts; i++ {
		if _, err := s.PromoteNextQueued(); err != nil {
			t.Fatalf("promote %d: %v", i, err)
		}
		if err := s.Transition(p.ID, StatusFailed, TransitionOpts{ErrorMessage: "boom"}); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		if err := s.Transition(p.ID, StatusQueued, TransitionOpts{}); err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
	}

	// attempts == MaxAttempts now; the project is permanently excluded.
	_, err := s.PromoteNextQueued()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("promote past retry cap = %v, want ErrNotFound", err)
	}
	final, _ := s.Project(p.ID)
	if final.Attempts != MaxAttempts {
		t.Errorf("attempts = %d, want %d", final.Attempts, MaxAttempts)
	}
}

func TestRequeueClearsSession(t *testing.T) {
	s := openTestStore(t)
	p, _ := s.CreateProject("/specs/a.md", "/work/a", "")
	s.PromoteNextQueued()
	s.SetMainSession(p.ID, "a-main")
	s.Transition(p.ID, StatusFailed, TransitionOpts{})
	s.Transition(p.ID, StatusQueued, TransitionOpts{})

	got, _ := s.Project(p.ID)
	if got.MainSession != "" {
		t.Errorf("main_session = %q after requeue, want empty", got.MainSession)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("timestamps not cleared after requeue: %+v", got)
	}
}

func TestZombiePath(t *testing.T) {
	s := openTestStore(t)
	p, _ := s.CreateProject("/specs/a.md", "/work/a", "")
	s.PromoteNextQueued()

	if err := s.Transition(p.ID, StatusZombie, TransitionOpts{ErrorMessage: "session vanished"}); err != nil {
		t.Fatalf("to ZOMBIE: %v", err)
	}
	if err := s.Transition(p.ID, StatusFailed, TransitionOpts{}); err != nil {
		t.Fatalf("ZOMBIE -> FAILED: %v", err)
	}
}

func TestConditionalTimeoutQueries(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	p, _ := s.CreateProject("/specs/a.md", "/work/a", "")
	s.PromoteNextQueued()
	_ = p

	queued, err := s.AnyQueued()
	if err != nil || queued {
		t.Errorf("AnyQueued = (%v, %v), want false", queued, err)
	}
	s.CreateProject("/specs/b.md", "/work/b", "")
	queued, _ = s.AnyQueued()
	if !queued {
		t.Error("AnyQueued should be true with a waiting project")
	}

	clock = base.Add(5 * time.Hour)
	stale, err := s.StaleProcessing(4 * time.Hour)
	if err != nil {
		t.Fatalf("StaleProcessing: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d projects, want 1", len(stale))
	}

	stale, _ = s.StaleProcessing(6 * time.Hour)
	if len(stale) != 0 {
		t.Errorf("stale with 6h window = %d, want 0", len(stale))
	}
}

func TestCompletedUnmergedAndMergeStatus(t *testing.T) {
	s := openTestStore(t)
	p, _ := s.CreateProject("/specs/a.md", "/work/a", "")
	s.PromoteNextQueued()
	s.Transition(p.ID, StatusCompleted, TransitionOpts{MergedStatus: MergePending})

	pending, err := s.CompletedUnmerged(5)
	if err != nil || len(pending) != 1 {
		t.Fatalf("CompletedUnmerged = (%d, %v), want 1", len(pending), err)
	}

	if err := s.SetMergedStatus(p.ID, MergeFailed, "conflict in main.go"); err != nil {
		t.Fatalf("SetMergedStatus failed: %v", err)
	}
	// MERGE_FAILED is non-terminal: the project stays eligible for retry.
	pending, _ = s.CompletedUnmerged(5)
	if len(pending) != 0 {
		t.Errorf("MERGE_FAILED project still in pending batch")
	}
	got, _ := s.Project(p.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status after merge failure = %s, want COMPLETED", got.Status)
	}

	if err := s.SetMergedStatus(p.ID, MergeDone, ""); err != nil {
		t.Fatalf("SetMergedStatus merged: %v", err)
	}
	got, _ = s.Project(p.ID)
	if got.MergedStatus != MergeDone || got.MergedAt == nil {
		t.Errorf("merged project = %+v, want MERGED with merged_at", got)
	}
}

func TestTaskUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)

	first, created, err := s.UpsertTask("sess", "developer", 2, 15, "check build", false)
	if err != nil || !created {
		t.Fatalf("first upsert = (created=%v, %v), want created", created, err)
	}
	dup, created, err := s.UpsertTask("sess", "developer", 2, 15, "check build", false)
	if err != nil {
		t.Fatalf("duplicate upsert: %v", err)
	}
	if created {
		t.Error("duplicate upsert reported created")
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate returned id %d, want existing %d", dup.ID, first.ID)
	}

	// Different note is a different task.
	_, created, _ = s.UpsertTask("sess", "developer", 2, 15, "check tests", false)
	if !created {
		t.Error("distinct note should create a new task")
	}
}

func TestTaskBadInterval(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.UpsertTask("sess", "tester", 3, 0, "", false); !errors.Is(err, ErrBadInterval) {
		t.Errorf("zero interval = %v, want ErrBadInterval", err)
	}
}

func TestClaimDueOrderAndStateMachine(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	tLate, _, _ := s.UpsertTask("sess", "tester", 3, 30, "later", false)
	tEarly, _, _ := s.UpsertTask("sess", "developer", 2, 10, "sooner", false)

	// Nothing due yet.
	claimed, err := s.ClaimDue(10)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("claim before due = (%d, %v), want none", len(claimed), err)
	}

	clock = base.Add(35 * time.Minute)
	claimed, err = s.ClaimDue(10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != tEarly.ID || claimed[1].ID != tLate.ID {
		t.Fatalf("claim order = %v, want [early late]", ids(claimed))
	}

	// Claimed tasks are invisible to a second claim.
	again, _ := s.ClaimDue(10)
	if len(again) != 0 {
		t.Errorf("double claim returned %d tasks", len(again))
	}

	// Recurring finish advances and resets.
	if err := s.FinishDispatch(tEarly.ID); err != nil {
		t.Fatalf("FinishDispatch: %v", err)
	}
	got, _ := s.Task(tEarly.ID)
	if got.State != TaskPending || got.DispatchCount != 0 {
		t.Errorf("recurring after finish = %+v, want pending/0", got)
	}
	wantNext := clock.Unix() + 10*60
	if got.NextRunEpoch != wantNext {
		t.Errorf("next_run = %d, want %d", got.NextRunEpoch, wantNext)
	}
}

func TestOneShotRemovedOnFinish(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	tk, _, _ := s.UpsertTask("sess", "project-manager", 1, 5, "one shot", true)
	clock = base.Add(10 * time.Minute)
	s.ClaimDue(10)
	if err := s.FinishDispatch(tk.ID); err != nil {
		t.Fatalf("FinishDispatch: %v", err)
	}
	if _, err := s.Task(tk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("one-shot still present after finish: %v", err)
	}
}

func TestDeferDispatchBackoff(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	tk, _, _ := s.UpsertTask("sess", "developer", 2, 5, "flaky", false)
	clock = base.Add(10 * time.Minute)
	s.ClaimDue(10)

	count, err := s.DeferDispatch(tk.ID, 120)
	if err != nil || count != 1 {
		t.Fatalf("DeferDispatch = (%d, %v), want count 1", count, err)
	}
	got, _ := s.Task(tk.ID)
	if got.State != TaskPending {
		t.Errorf("deferred task state = %s, want pending", got.State)
	}
	if got.NextRunEpoch != clock.Unix()+120 {
		t.Errorf("deferred next_run = %d, want now+120", got.NextRunEpoch)
	}

	s.ClaimDue(10)
	count, _ = s.DeferDispatch(tk.ID, 240)
	if count != 2 {
		t.Errorf("second defer count = %d, want 2", count)
	}
}

func TestRemoveSessionTasks(t *testing.T) {
	s := openTestStore(t)
	s.UpsertTask("dead", "developer", 2, 5, "a", false)
	s.UpsertTask("dead", "tester", 3, 5, "b", false)
	s.UpsertTask("alive", "developer", 2, 5, "c", false)

	n, err := s.RemoveSessionTasks("dead")
	if err != nil || n != 2 {
		t.Fatalf("RemoveSessionTasks = (%d, %v), want 2", n, err)
	}
	rest, _ := s.ListTasks()
	if len(rest) != 1 || rest[0].SessionName != "alive" {
		t.Errorf("remaining tasks = %v", rest)
	}
}

func TestResetStuckDispatches(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	s.UpsertTask("sess", "developer", 2, 1, "stuck", false)
	clock = base.Add(2 * time.Minute)
	s.ClaimDue(10)

	// Not yet stale.
	n, _ := s.ResetStuckDispatches(600)
	if n != 0 {
		t.Errorf("reset too early recovered %d", n)
	}

	clock = clock.Add(11 * time.Minute)
	n, err := s.ResetStuckDispatches(600)
	if err != nil || n != 1 {
		t.Fatalf("ResetStuckDispatches = (%d, %v), want 1", n, err)
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	st := &SessionState{
		ProjectName:     "projA",
		SessionName:     "projA-main",
		CreatedAt:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		PhasesCompleted: []string{"briefing", "implementation"},
		Agents: map[string]*AgentState{
			"developer": {
				Role: "developer", WindowIndex: 2,
				WorktreePath: "/work/projA-developer",
				Branch:       "agent/developer", IsAlive: true,
				WaitingFor: &WaitingFor{
					TargetRole: "project-manager", Reason: "API sign-off",
					RequestID: "req-1", TimeoutMinutes: 15,
					Since: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				},
			},
		},
		SubscriptionPlan: "max5",
		VelocityMetrics:  map[string]float64{"commits_per_hour": 3.5},
	}
	if err := s.SaveSessionState(st); err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}

	got, err := s.SessionStateByProject("projA")
	if err != nil {
		t.Fatalf("SessionStateByProject: %v", err)
	}
	dev := got.Agents["developer"]
	if dev == nil || dev.Branch != "agent/developer" || !dev.IsAlive {
		t.Fatalf("agent round trip = %+v", dev)
	}
	if dev.WaitingFor == nil || dev.WaitingFor.TargetRole != "project-manager" {
		t.Errorf("waiting_for round trip = %+v", dev.WaitingFor)
	}
	if got.VelocityMetrics["commits_per_hour"] != 3.5 {
		t.Errorf("velocity round trip = %v", got.VelocityMetrics)
	}

	// Upsert replaces.
	st.FailureReason = "agent exhausted"
	if err := s.SaveSessionState(st); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _ = s.SessionStateByProject("projA")
	if got.FailureReason != "agent exhausted" {
		t.Errorf("failure_reason = %q after upsert", got.FailureReason)
	}

	bySession, err := s.SessionStateBySession("projA-main")
	if err != nil || bySession.ProjectName != "projA" {
		t.Errorf("SessionStateBySession = (%+v, %v)", bySession, err)
	}

	if err := s.DeleteSessionState("projA"); err != nil {
		t.Fatalf("DeleteSessionState: %v", err)
	}
	if _, err := s.SessionStateByProject("projA"); !errors.Is(err, ErrNotFound) {
		t.Errorf("state present after delete: %v", err)
	}
}

func TestHealthSnapshots(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		h := &AgentHealth{
			ProjectID: 7, SessionName: "projA-main", Role: "developer",
			WindowIndex: 2, CheckedAt: now.Add(time.Duration(i) * time.Minute),
			PaneCommand: "node", AgentPresent: true,
		}
		if err := s.RecordHealth(h); err != nil {
			t.Fatalf("RecordHealth %d: %v", i, err)
		}
	}
	s.RecordHealth(&AgentHealth{
		ProjectID: 7, SessionName: "projA-main", Role: "tester",
		WindowIndex: 3, CheckedAt: now, PaneCommand: "bash", IsStuck: true,
	})

	latest, err := s.LatestHealth(7)
	if err != nil {
		t.Fatalf("LatestHealth: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest = %d rows, want 2 (one per window)", len(latest))
	}
	for _, h := range latest {
		if h.Role == "developer" && !h.CheckedAt.Equal(now.Add(2*time.Minute)) {
			t.Errorf("developer latest = %v, want newest snapshot", h.CheckedAt)
		}
		if h.Role == "tester" && !h.IsStuck {
			t.Error("tester stuck flag lost")
		}
	}
}

func TestAuthorizationFlow(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	a, err := s.CreateAuthorization("projA-main", "req-1", 2, "developer", "project-manager", "merge to main")
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	if a.TimeoutMinutes != 15 {
		t.Errorf("priority 2 timeout = %d, want 15", a.TimeoutMinutes)
	}

	// Duplicate request_id returns the existing row.
	dup, err := s.CreateAuthorization("projA-main", "req-1", 1, "developer", "project-manager", "merge to main")
	if err != nil || dup.ID != a.ID {
		t.Errorf("duplicate = (%+v, %v), want existing row", dup, err)
	}

	// 80% of 15m is 12m; due after that.
	clock = base.Add(11 * time.Minute)
	due, _ := s.EscalationsDue()
	if len(due) != 0 {
		t.Errorf("escalation at 11m, want none before 12m")
	}
	clock = base.Add(13 * time.Minute)
	due, _ = s.EscalationsDue()
	if len(due) != 1 || due[0].RequestID != "req-1" {
		t.Fatalf("escalations due = %v, want req-1", due)
	}

	if err := s.ResolveAuthorization("req-1", AuthApproved, "approved by PM"); err != nil {
		t.Fatalf("ResolveAuthorization: %v", err)
	}
	pending, _ := s.PendingAuthorizations("projA-main")
	if len(pending) != 0 {
		t.Errorf("pending after resolve = %d", len(pending))
	}
	// A resolved request cannot be resolved again.
	if err := s.ResolveAuthorization("req-1", AuthDenied, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("double resolve = %v, want ErrNotFound", err)
	}
}

func TestPendingAuthorizationOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	s.CreateAuthorization("sess", "routine", 3, "tester", "project-manager", "x")
	clock = base.Add(time.Minute)
	s.CreateAuthorization("sess", "urgent", 1, "developer", "project-manager", "y")

	pending, err := s.PendingAuthorizations("sess")
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending = (%d, %v)", len(pending), err)
	}
	if pending[0].RequestID != "urgent" {
		t.Errorf("order = [%s %s], want urgent first", pending[0].RequestID, pending[1].RequestID)
	}
}

func TestParseAuthRequest(t *testing.T) {
	line := "noise AUTH_REQUEST id=req-9 priority=1 from=developer to=project-manager action=delete stale branch"
	id, pri, from, to, action, ok := ParseAuthRequest(line)
	if !ok {
		t.Fatal("ParseAuthRequest returned !ok")
	}
	if id != "req-9" || pri != 1 || from != "developer" || to != "project-manager" {
		t.Errorf("parsed = (%s %d %s %s)", id, pri, from, to)
	}
	if action != "delete stale branch" {
		t.Errorf("action = %q", action)
	}

	if _, _, _, _, _, ok := ParseAuthRequest("no marker here"); ok {
		t.Error("parse without marker should fail")
	}
	// Missing from/to is rejected.
	if _, _, _, _, _, ok := ParseAuthRequest("AUTH_REQUEST id=x action=y"); ok {
		t.Error("parse without roles should fail")
	}
}

func TestFailureJournal(t *testing.T) {
	s := openTestStore(t)
	r := &FailureRecord{
		ProjectID: 3, SessionName: "projA-main", ReasonTag: "phantom",
		DurationHours: 4.5, SpecPath: "/specs/a.md", AgentCount: 4,
	}
	if err := s.RecordFailure(r); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if r.ID == 0 || r.RecordedAt.IsZero() {
		t.Errorf("record not stamped: %+v", r)
	}

	recent, err := s.RecentFailures(10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentFailures = (%d, %v)", len(recent), err)
	}
	if recent[0].ReasonTag != "phantom" || recent[0].DurationHours != 4.5 {
		t.Errorf("record round trip = %+v", recent[0])
	}
}

func TestSchemaTooNewRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.conn.Exec(
		"INSERT INTO schema_version (version) VALUES (?)", len(migrations)+5,
	); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	s.Close()

	if _, err := Open(path); !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("reopen = %v, want ErrSchemaTooNew", err)
	}
}

func ids(tasks []*ScheduledTask) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
