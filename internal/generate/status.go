package generate

import "github.com/basket/ijave/internal/ent"

// StatusKind tags a Status.
type StatusKind string

const (
	StatusCompleted StatusKind = "completed"
	StatusRunning   StatusKind = "running"
	StatusIdle      StatusKind = "idle"
)

// Status is the payload of a progress notification.
type Status struct {
	Kind StatusKind `json:"kind"`
	Data any        `json:"data,omitempty"`
}

// Running is the data of a running Status.
type Running struct {
	Prompt ent.Prompt `json:"prompt"`
}

// Completed wraps a published step.
func Completed(res *Result) Status {
	return Status{Kind: StatusCompleted, Data: res}
}

// Status reports what the engine is doing right now. Clients treat idle as a
// cue to ask for more work.
func (s *Service) Status() Status {
	if task, ok := s.Current(); ok {
		return Status{Kind: StatusRunning, Data: Running{Prompt: task.Prompt}}
	}
	return Status{Kind: StatusIdle}
}
