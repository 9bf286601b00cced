package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/foreman/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeSpec(t *testing.T) Spec {
	t.Helper()
	dir := t.TempDir()
	spec := filepath.Join(dir, "spec.md")
	if err := os.WriteFile(spec, []byte("# spec\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	proj := filepath.Join(dir, "proj")
	if err := os.Mkdir(proj, 0o755); err != nil {
		t.Fatal(err)
	}
	return Spec{SpecPath: spec, ProjectPath: proj}
}

type fakeProv struct {
	calls int
	err   error
	// complete mimics the session finishing so the slot frees up.
	complete func(p *store.Project)
}

func (f *fakeProv) Provision(_ context.Context, p *store.Project) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.complete != nil {
		f.complete(p)
	}
	return nil
}

func TestSubmitValidates(t *testing.T) {
	s := openStore(t)

	if _, err := Submit(s, Spec{SpecPath: "/nope.md", ProjectPath: t.TempDir()}); err == nil {
		t.Error("missing spec file accepted")
	}
	if _, err := Submit(s, Spec{SpecPath: makeSpec(t).SpecPath, ProjectPath: "/nope"}); err == nil {
		t.Error("missing project dir accepted")
	}

	p, err := Submit(s, makeSpec(t))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.Status != store.StatusQueued {
		t.Errorf("status = %s, want QUEUED", p.Status)
	}
}

func TestSubmitBatchSharesID(t *testing.T) {
	s := openStore(t)

	id, projects, err := SubmitBatch(s, []Spec{makeSpec(t), makeSpec(t), makeSpec(t)})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if id == "" || len(projects) != 3 {
		t.Fatalf("batch = %q, %d projects", id, len(projects))
	}
	for _, p := range projects {
		if p.BatchID != id {
			t.Errorf("project %d batch = %q, want %q", p.ID, p.BatchID, id)
		}
	}
}

func TestSubmitBatchAllOrNothing(t *testing.T) {
	s := openStore(t)

	_, _, err := SubmitBatch(s, []Spec{makeSpec(t), {SpecPath: "/nope.md", ProjectPath: "/nope"}})
	if err == nil {
		t.Fatal("batch with a bad entry accepted")
	}
	all, _ := s.AllProjects()
	if len(all) != 0 {
		t.Errorf("bad batch enqueued %d projects, want 0", len(all))
	}
}

func TestProcessNextEmptyAndBusy(t *testing.T) {
	s := openStore(t)
	r := NewRunner(s, &fakeProv{}, nil, time.Millisecond)

	if _, err := r.ProcessNext(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty queue: %v, want ErrEmpty", err)
	}

	if _, err := Submit(s, makeSpec(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := Submit(s, makeSpec(t)); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ProcessNext(context.Background()); err != nil {
		t.Fatalf("first ProcessNext: %v", err)
	}
	// The first project still holds the slot.
	if _, err := r.ProcessNext(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("occupied slot: %v, want ErrBusy", err)
	}
}

func TestDrainProcessesWholeQueue(t *testing.T) {
	s := openStore(t)
	prov := &fakeProv{}
	prov.complete = func(p *store.Project) {
		// Simulate the session finishing immediately.
		if err := s.Transition(p.ID, store.StatusCompleted,
			store.TransitionOpts{MergedStatus: store.MergePending}); err != nil {
			t.Errorf("completing %d: %v", p.ID, err)
		}
	}
	r := NewRunner(s, prov, nil, time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := Submit(s, makeSpec(t)); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if prov.calls != 3 {
		t.Errorf("provisioned %d projects, want 3", prov.calls)
	}
	done, _ := s.ProjectsByStatus(store.StatusCompleted)
	if len(done) != 3 {
		t.Errorf("completed = %d, want 3", len(done))
	}
}

func TestDrainSurvivesProvisionFailure(t *testing.T) {
	s := openStore(t)
	prov := &fakeProv{err: errors.New("boom")}
	r := NewRunner(s, prov, nil, time.Millisecond)

	p, err := Submit(s, makeSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	// Compensation normally parks the project; mimic the terminal case.
	done := make(chan error, 1)
	go func() { done <- r.Drain(context.Background()) }()

	// The fake provisioner does no compensation, so the project still holds
	// the slot and Drain waits on it. Park it by hand.
	time.Sleep(50 * time.Millisecond)
	_ = s.Transition(p.ID, store.StatusFailed, store.TransitionOpts{ErrorMessage: "boom"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not finish after the queue emptied")
	}
	if prov.calls == 0 {
		t.Error("provisioner never called")
	}
}

func TestResetRequeuesFailed(t *testing.T) {
	s := openStore(t)
	p, err := Submit(s, makeSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	promoted, err := s.PromoteNextQueued()
	if err != nil || promoted == nil {
		t.Fatal(err)
	}
	if err := s.Transition(p.ID, store.StatusFailed, store.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}

	if err := Reset(s, p.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, _ := s.Project(p.ID)
	if got.Status != store.StatusQueued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}
