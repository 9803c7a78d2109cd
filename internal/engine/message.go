// Package engine talks to the image engine, a child process that runs one
// generation step per request. Requests and replies are length-prefixed JSON
// frames on the child's stdin and stdout.
package engine

import (
	"github.com/basket/ijave/internal/ent"
)

// Task asks for one more step of a prompt's generation.
type Task struct {
	Prompt ent.Prompt `json:"prompt"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Seed   int64      `json:"seed"`
}

// Input is sent to the engine.
type Input struct {
	Task   Task                `json:"task"`
	Cached ent.GenerationCache `json:"cached"`
}

// Output is the engine's reply. Cached carries the advanced step and the new
// latent. Error is set when the step failed but the engine survived.
type Output struct {
	Task        Task                `json:"task"`
	Cached      ent.GenerationCache `json:"cached"`
	ContentType string              `json:"content_type,omitempty"`
	ImageData   []byte              `json:"image_data,omitempty"`
	Error       string              `json:"error,omitempty"`
}
