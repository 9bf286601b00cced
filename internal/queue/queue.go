// Package queue drives the project queue: submission, promotion into the
// single PROCESSING slot, and the drain loop that feeds provisioning.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/xcawolfe-amzn/foreman/internal/store"
)

// Queue outcomes that are not failures.
var (
	// ErrEmpty means no QUEUED project is eligible for promotion.
	ErrEmpty = errors.New("queue is empty")
	// ErrBusy means another project holds the PROCESSING slot.
	ErrBusy = errors.New("a project is already processing")
)

// Provisioner turns a promoted project into a running session. Satisfied
// by lifecycle.Provisioner.
type Provisioner interface {
	Provision(ctx context.Context, p *store.Project) error
}

// Runner promotes and provisions queued projects one at a time.
type Runner struct {
	store  *store.Store
	prov   Provisioner
	logger *log.Logger
	poll   time.Duration
}

// NewRunner creates a queue runner. poll is how long Drain waits when the
// PROCESSING slot is occupied.
func NewRunner(s *store.Store, prov Provisioner, logger *log.Logger, poll time.Duration) *Runner {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Runner{store: s, prov: prov, logger: logger, poll: poll}
}

// Spec is one submission: a spec file plus the working copy it targets.
type Spec struct {
	SpecPath    string
	ProjectPath string
}

func (sp Spec) validate() error {
	if sp.SpecPath == "" || sp.ProjectPath == "" {
		return fmt.Errorf("submission needs both a spec and a project path")
	}
	if _, err := os.Stat(sp.SpecPath); err != nil {
		return fmt.Errorf("spec %s: %w", sp.SpecPath, err)
	}
	if fi, err := os.Stat(sp.ProjectPath); err != nil || !fi.IsDir() {
		return fmt.Errorf("project path %s is not a directory", sp.ProjectPath)
	}
	return nil
}

// Submit enqueues one project.
func Submit(s *store.Store, sp Spec) (*store.Project, error) {
	if err := sp.validate(); err != nil {
		return nil, err
	}
	return s.CreateProject(sp.SpecPath, sp.ProjectPath, "")
}

// SubmitBatch enqueues several projects under one batch id so the operator
// can track them as a group. All-or-nothing validation runs first; a batch
// with one bad entry enqueues nothing.
func SubmitBatch(s *store.Store, specs []Spec) (string, []*store.Project, error) {
	for _, sp := range specs {
		if err := sp.validate(); err != nil {
			return "", nil, err
		}
	}
	batchID := uuid.NewString()
	out := make([]*store.Project, 0, len(specs))
	for _, sp := range specs {
		p, err := s.CreateProject(sp.SpecPath, sp.ProjectPath, batchID)
		if err != nil {
			return batchID, out, fmt.Errorf("enqueueing %s: %w", sp.SpecPath, err)
		}
		out = append(out, p)
	}
	return batchID, out, nil
}

// ProcessNext promotes the next eligible project and provisions it.
// Returns ErrEmpty when nothing is queued and ErrBusy when the slot is
// taken. A provisioning failure is returned after lifecycle compensation
// has already decided the project's fate.
func (r *Runner) ProcessNext(ctx context.Context) (*store.Project, error) {
	p, err := r.store.PromoteNextQueued()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("promoting: %w", err)
	}
	if p == nil {
		return nil, ErrBusy
	}

	r.logf("promoted project %d (%s), provisioning", p.ID, p.Name())
	if err := r.prov.Provision(ctx, p); err != nil {
		return p, fmt.Errorf("provisioning %s: %w", p.Name(), err)
	}
	return p, nil
}

// Drain processes the queue until it is empty and the PROCESSING slot is
// free, waiting out an occupied slot. Provisioning failures do not stop
// the drain; the failed project was already requeued or parked by
// compensation.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := r.ProcessNext(ctx)
		switch {
		case errors.Is(err, ErrEmpty):
			busy, berr := r.store.CountProcessing()
			if berr != nil {
				return berr
			}
			if busy == 0 {
				return nil
			}
			r.wait(ctx)
		case errors.Is(err, ErrBusy):
			r.wait(ctx)
		case err != nil:
			r.logf("drain: %v", err)
		default:
			// Provisioned; the slot stays occupied until the session
			// completes, so the next iteration will wait.
		}
	}
}

func (r *Runner) wait(ctx context.Context) {
	t := time.NewTimer(r.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Reset requeues a FAILED project, clearing its session binding. The
// attempt counter still advances; the retry cap is not a suggestion.
func Reset(s *store.Store, id int64) error {
	return s.Transition(id, store.StatusQueued, store.TransitionOpts{})
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
