package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds in-flight calls for one batch
const DefaultConcurrency = 8

// ErrConfirmationRequired is returned by Execute for a batch that has not
// been confirmed enough times
var ErrConfirmationRequired = errors.New("bulk operation needs confirmation")

// ErrEmptySelection is returned by Prepare when nothing is selected
var ErrEmptySelection = errors.New("nothing selected")

// Op is one bulk operation
type Op struct {
	Name string
	// Destructive operations can't be undone and need two confirmations
	Destructive bool
	// Apply performs the operation for a single id
	Apply func(ctx context.Context, id string) (string, error)
}

// Confirmations returns how many Confirm calls the operation needs
func (o Op) Confirmations() int {
	if o.Destructive {
		return 2
	}
	return 1
}

// Batch is a prepared operation over a fixed set of ids
type Batch struct {
	ID        string
	Op        Op
	IDs       []string
	confirmed int
}

// Confirm records one confirmation step and reports whether the batch is
// now ready to execute
func (b *Batch) Confirm() bool {
	b.confirmed++
	return b.Ready()
}

// Ready reports whether the batch has all required confirmations
func (b *Batch) Ready() bool {
	return b.confirmed >= b.Op.Confirmations()
}

// Remaining returns how many confirmations are still missing
func (b *Batch) Remaining() int {
	return max(b.Op.Confirmations()-b.confirmed, 0)
}

// Outcome is the result for a single id
type Outcome struct {
	ID      string
	Message string
	Err     error
}

// OK reports whether the call succeeded
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Result aggregates per-id outcomes in id order
type Result struct {
	BatchID  string
	Op       string
	Outcomes []Outcome
}

// Succeeded returns the outcomes without error
func (r *Result) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the outcomes with an error
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// AllFailed reports whether every id failed. A partial failure is not a
// failed batch.
func (r *Result) AllFailed() bool {
	return len(r.Outcomes) > 0 && len(r.Failed()) == len(r.Outcomes)
}

// Summary renders a one-line description such as "deactivate: 2 ok, 1 failed"
func (r *Result) Summary() string {
	failed := len(r.Failed())
	if failed == 0 {
		return fmt.Sprintf("%s: %d ok", r.Op, len(r.Outcomes))
	}
	return fmt.Sprintf("%s: %d ok, %d failed", r.Op, len(r.Outcomes)-failed, failed)
}

// Coordinator runs operations over a Selection
type Coordinator struct {
	Selection   *Selection
	Concurrency int
	Logger      *slog.Logger
	// OnOutcome, when set, is called once per id as calls complete
	OnOutcome func(op string, o Outcome)
}

// NewCoordinator returns a Coordinator bound to sel
func NewCoordinator(sel *Selection, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Selection: sel, Concurrency: DefaultConcurrency, Logger: logger}
}

// Prepare captures the current selection for op. Nothing is issued until
// the batch is confirmed and executed.
func (c *Coordinator) Prepare(op Op) (*Batch, error) {
	ids := c.Selection.IDs()
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	return &Batch{ID: uuid.NewString(), Op: op, IDs: ids}, nil
}

// Execute issues the operation once per id. Calls are independent: one
// failure neither cancels nor rolls back the others. The selection is
// cleared once the batch has been issued, whatever the outcome. The error
// return is reserved for a batch that could not be issued at all.
func (c *Coordinator) Execute(ctx context.Context, b *Batch) (*Result, error) {
	if !b.Ready() {
		return nil, fmt.Errorf("%w: %s needs %d more", ErrConfirmationRequired, b.Op.Name, b.Remaining())
	}
	defer c.Selection.Clear()

	log := c.Logger.With("batch", b.ID, "op", b.Op.Name)
	log.Info("bulk operation issued", "count", len(b.IDs))

	outcomes := make([]Outcome, len(b.IDs))
	var mu sync.Mutex

	// A plain Group, not WithContext: a failed call must not cancel the rest
	var g errgroup.Group
	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)
	for i, id := range b.IDs {
		g.Go(func() error {
			msg, err := b.Op.Apply(ctx, id)
			o := Outcome{ID: id, Message: msg, Err: err}
			outcomes[i] = o
			if err != nil {
				log.Warn("bulk item failed", "id", id, "error", err)
			}
			if c.OnOutcome != nil {
				mu.Lock()
				c.OnOutcome(b.Op.Name, o)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].ID < outcomes[j].ID })
	res := &Result{BatchID: b.ID, Op: b.Op.Name, Outcomes: outcomes}
	log.Info("bulk operation finished", "summary", res.Summary())
	return res, nil
}
