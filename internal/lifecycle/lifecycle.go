// Package lifecycle decides which job actions are legal from which status.
// The server stays the authority; this only keeps obviously invalid requests
// from being sent.
package lifecycle

import (
	"errors"
	"fmt"
)

// Status is a job status as reported by the server. Values outside the
// known set are kept verbatim.
type Status string

// StatusPending indicates a job was created but has not started
const StatusPending Status = "pending"

// StatusRunning indicates a job is executing
const StatusRunning Status = "running"

// StatusProcessing is an alias of running used by some server versions
const StatusProcessing Status = "processing"

// StatusCompleted indicates a job finished successfully
const StatusCompleted Status = "completed"

// StatusFailed indicates a job ended with an error; it can be started again
const StatusFailed Status = "failed"

// StatusStopped indicates a job was stopped by a user; it can be started again
const StatusStopped Status = "stopped"

// StatusCancelled indicates a job was cancelled for good
const StatusCancelled Status = "cancelled"

// Action is a user-initiated operation on a job
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionRun    Action = "run"
	ActionDelete Action = "delete"
)

// Class groups statuses by how they behave
type Class int

const (
	// ClassUnknown is any status string the client doesn't recognise. It is
	// treated as terminal until a recognised status arrives.
	ClassUnknown Class = iota
	ClassPending
	ClassActive
	ClassReenterable
	ClassTerminal
)

var classes = map[Status]Class{
	StatusPending:    ClassPending,
	StatusRunning:    ClassActive,
	StatusProcessing: ClassActive,
	StatusFailed:     ClassReenterable,
	StatusStopped:    ClassReenterable,
	StatusCompleted:  ClassTerminal,
	StatusCancelled:  ClassTerminal,
}

var allowed = map[Status]map[Action]bool{
	StatusPending: {
		ActionStart:  true,
		ActionRun:    true,
		ActionDelete: true,
	},
	StatusStopped: {
		ActionStart:  true,
		ActionRun:    true,
		ActionDelete: true,
	},
	StatusFailed: {
		ActionStart:  true,
		ActionRun:    true,
		ActionDelete: true,
	},
	StatusRunning: {
		ActionStop: true,
	},
	StatusProcessing: {
		ActionStop: true,
	},
	StatusCompleted: {
		ActionDelete: true,
	},
	StatusCancelled: {},
}

// ErrTransitionNotAllowed is wrapped by every GuardError
var ErrTransitionNotAllowed = errors.New("action not allowed in current status")

// GuardError reports an action rejected before any request was sent
type GuardError struct {
	JobID  string
	Status Status
	Action Action
}

func (e *GuardError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("cannot %s job %s: status unknown", e.Action, e.JobID)
	}
	return fmt.Sprintf("cannot %s job %s while it is %s", e.Action, e.JobID, e.Status)
}

func (e *GuardError) Unwrap() error {
	return ErrTransitionNotAllowed
}

// ClassOf returns the class of a status
func ClassOf(s Status) Class {
	if c, ok := classes[s]; ok {
		return c
	}
	return ClassUnknown
}

// Known reports whether s is one of the recognised statuses
func Known(s Status) bool {
	_, ok := classes[s]
	return ok
}

// IsActive reports whether the server is making progress on a job in this
// status. Active jobs keep the poller running. Pending jobs are not active:
// the server doesn't run them until asked.
func IsActive(s Status) bool {
	return ClassOf(s) == ClassActive
}

// IsTerminal reports whether no further transitions are accepted. Unknown
// statuses count as terminal.
func IsTerminal(s Status) bool {
	c := ClassOf(s)
	return c == ClassTerminal || c == ClassUnknown
}

// Allowed reports whether action may be requested for a job in status s
func Allowed(s Status, action Action) bool {
	return allowed[s][action]
}

// Actions returns the actions allowed from s in a stable order
func Actions(s Status) []Action {
	var out []Action
	for _, a := range []Action{ActionStart, ActionRun, ActionStop, ActionDelete} {
		if Allowed(s, a) {
			out = append(out, a)
		}
	}
	return out
}

// Check returns a *GuardError if action is not allowed for the job
func Check(jobID string, s Status, action Action) error {
	if Allowed(s, action) {
		return nil
	}
	return &GuardError{JobID: jobID, Status: s, Action: action}
}

// ParseAction converts a command name to an Action
func ParseAction(name string) (Action, error) {
	switch Action(name) {
	case ActionStart, ActionStop, ActionRun, ActionDelete:
		return Action(name), nil
	}
	return "", fmt.Errorf("unknown action %q", name)
}
