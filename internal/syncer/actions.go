package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/osteele/jobwatch/internal/api"
	"github.com/osteele/jobwatch/internal/bulk"
	"github.com/osteele/jobwatch/internal/db"
	"github.com/osteele/jobwatch/internal/lifecycle"
	"github.com/osteele/jobwatch/internal/metrics"
	"github.com/osteele/jobwatch/internal/store"
)

// ErrUnknownJob is returned for an action on a job the server doesn't know
var ErrUnknownJob = errors.New("unknown job")

// UserOp is an account administration operation
type UserOp string

const (
	UserActivate   UserOp = "activate"
	UserDeactivate UserOp = "deactivate"
	UserDelete     UserOp = "delete"
)

// ParseUserOp converts a command name to a UserOp
func ParseUserOp(name string) (UserOp, error) {
	switch op := UserOp(name); op {
	case UserActivate, UserDeactivate, UserDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown user operation %q", name)
}

// Start asks the server to start a job
func (s *Syncer) Start(ctx context.Context, id string) (string, error) {
	return s.JobAction(ctx, id, lifecycle.ActionStart)
}

// Stop asks the server to stop a running job
func (s *Syncer) Stop(ctx context.Context, id string) (string, error) {
	return s.JobAction(ctx, id, lifecycle.ActionStop)
}

// RunJob asks the server to execute a job
func (s *Syncer) RunJob(ctx context.Context, id string) (string, error) {
	return s.JobAction(ctx, id, lifecycle.ActionRun)
}

// Delete removes a job on the server and then locally
func (s *Syncer) Delete(ctx context.Context, id string) (string, error) {
	return s.JobAction(ctx, id, lifecycle.ActionDelete)
}

// JobAction validates action against the job's current status and, if the
// guard allows it, sends it. A rejected action makes no network call.
// start, stop and run keep polling alive for the grace period so the status
// change is picked up even before the job counts as active.
func (s *Syncer) JobAction(ctx context.Context, id string, action lifecycle.Action) (string, error) {
	job, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if err := lifecycle.Check(id, job.Status, action); err != nil {
		metrics.GuardRejectionsTotal.WithLabelValues(string(action)).Inc()
		s.log.Info("action rejected", "job", id, "action", action, "status", job.Status)
		return "", err
	}

	var res api.ActionResult
	switch action {
	case lifecycle.ActionStart:
		res, err = s.client.StartJob(ctx, id)
	case lifecycle.ActionStop:
		res, err = s.client.StopJob(ctx, id)
	case lifecycle.ActionRun:
		res, err = s.client.RunJob(ctx, id)
	case lifecycle.ActionDelete:
		res, err = s.client.DeleteJob(ctx, id)
	default:
		return "", fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		s.log.Warn("action failed", "job", id, "action", action, "error", err)
		return "", fmt.Errorf("%s %s: %w", action, id, err)
	}
	s.log.Info("action sent", "job", id, "action", action)

	if action == lifecycle.ActionDelete {
		s.forget(id)
	} else {
		s.poller.Force()
	}
	return res.Message, nil
}

// lookup returns the job from the store, fetching it once if it is unknown
// locally
func (s *Syncer) lookup(ctx context.Context, id string) (store.Job, error) {
	if job, ok := s.store.Job(id); ok {
		return job, nil
	}
	job, at, err := s.client.GetJob(ctx, id)
	if err != nil {
		if api.IsNotFound(err) {
			return store.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
		return store.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	s.store.ApplyPatch(id, store.FullPatch(job, at, store.SourcePull))
	job, _ = s.store.Job(id)
	return job, nil
}

func (s *Syncer) forget(id string) {
	s.store.Remove(id, s.clock.Now())
	s.logs.Forget(id)
	if s.cache != nil {
		if err := db.DeleteJob(s.cache, id); err != nil {
			s.log.Warn("delete cached job failed", "job", id, "error", err)
		}
	}
}

// Create creates a job and adds it to the store
func (s *Syncer) Create(ctx context.Context, req api.CreateRequest) (string, error) {
	id, err := s.client.CreateJob(ctx, req)
	if err != nil {
		return "", err
	}
	s.log.Info("job created", "job", id, "targets", req.TargetUsernames)

	if job, at, err := s.client.GetJob(ctx, id); err == nil {
		s.store.ApplyPatch(id, store.FullPatch(job, at, store.SourcePull))
	} else {
		s.log.Warn("fetch created job failed", "job", id, "error", err)
	}
	s.poller.Force()
	return id, nil
}

// CreateAll creates one job per request. Requests are independent: each
// outcome is reported separately and a failure doesn't stop the rest. The
// outcome ID is the new job's id, or the request's position when creation
// failed.
func (s *Syncer) CreateAll(ctx context.Context, reqs []api.CreateRequest) *bulk.Result {
	res := &bulk.Result{Op: "create"}
	for i, req := range reqs {
		id, err := s.Create(ctx, req)
		o := bulk.Outcome{ID: id, Err: err}
		if err != nil {
			o.ID = fmt.Sprintf("#%d", i+1)
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	return res
}

// JobSelection is the set of jobs selected in the dashboard
func (s *Syncer) JobSelection() *bulk.Selection {
	return s.jobSel
}

// UserSelection is the set of usernames a user operation applies to
func (s *Syncer) UserSelection() *bulk.Selection {
	return s.userSel
}

// PrepareJobs captures the job selection for action. Each id passes the
// lifecycle guard on its own; a rejected id is reported as a failure.
func (s *Syncer) PrepareJobs(action lifecycle.Action) (*bulk.Batch, error) {
	op := bulk.Op{
		Name:        string(action),
		Destructive: action == lifecycle.ActionDelete,
		Apply: func(ctx context.Context, id string) (string, error) {
			return s.JobAction(ctx, id, action)
		},
	}
	return s.prepare(s.jobBulk, op)
}

// PrepareUsers captures the user selection for op. Delete is destructive
// and needs two confirmations.
func (s *Syncer) PrepareUsers(op UserOp) (*bulk.Batch, error) {
	var apply func(ctx context.Context, username string) (api.ActionResult, error)
	switch op {
	case UserActivate:
		apply = s.client.ActivateUser
	case UserDeactivate:
		apply = s.client.DeactivateUser
	case UserDelete:
		apply = s.client.DeleteUser
	default:
		return nil, fmt.Errorf("unknown user operation %q", op)
	}
	return s.prepare(s.userBlk, bulk.Op{
		Name:        string(op),
		Destructive: op == UserDelete,
		Apply: func(ctx context.Context, username string) (string, error) {
			res, err := apply(ctx, username)
			return res.Message, err
		},
	})
}

func (s *Syncer) prepare(c *bulk.Coordinator, op bulk.Op) (*bulk.Batch, error) {
	b, err := c.Prepare(op)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.batches[b.ID] = c
	s.mu.Unlock()
	return b, nil
}

// BulkApply executes a confirmed batch. The selection it came from is
// cleared whether the calls succeed or fail.
func (s *Syncer) BulkApply(ctx context.Context, b *bulk.Batch) (*bulk.Result, error) {
	s.mu.Lock()
	c, ok := s.batches[b.ID]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("batch was not prepared by this syncer or was already applied")
	}

	res, err := c.Execute(ctx, b)
	if errors.Is(err, bulk.ErrConfirmationRequired) {
		return nil, err
	}
	s.mu.Lock()
	delete(s.batches, b.ID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	kind := "success"
	switch {
	case res.AllFailed():
		kind = "error"
	case len(res.Failed()) > 0:
		kind = "warning"
	}
	s.addNotification(Notification{Kind: kind, Message: res.Summary()})
	return res, nil
}
