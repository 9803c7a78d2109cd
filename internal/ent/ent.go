package ent

import (
	"errors"
	"fmt"
	"time"
)

// Granularity is the step to which image dimensions are rounded down. It
// bounds the number of distinct engine configurations.
const Granularity = 128

// MaxDimension caps image width and height.
const MaxDimension = 2048

// ErrInvariant marks a caller error: an entity that violates its own rules.
var ErrInvariant = errors.New("invariant violation")

// Normalize rounds a dimension down to a multiple of Granularity.
func Normalize(i int) int {
	if i < 0 {
		return 0
	}
	return (i / Granularity) * Granularity
}

// Project is the top level container.
type Project struct {
	ID          ProjectID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Width       int       `json:"image_width"`
	Height      int       `json:"image_height"`
}

// NewProject creates a project with normalized image dimensions.
func NewProject(name, description string, width, height int) (Project, error) {
	p := Project{
		ID:          NewProjectID(),
		Name:        name,
		Description: description,
		Width:       width,
		Height:      height,
	}
	return p.Normalized()
}

// Normalized returns a copy with dimensions rounded to the granularity.
// Sizes outside [Granularity, MaxDimension] are rejected.
func (p Project) Normalized() (Project, error) {
	p.Width = Normalize(p.Width)
	p.Height = Normalize(p.Height)
	if p.Width < Granularity || p.Height < Granularity {
		return p, fmt.Errorf("%w: project %s image size %dx%d is below %d",
			ErrInvariant, p.ID, p.Width, p.Height, Granularity)
	}
	if p.Width > MaxDimension || p.Height > MaxDimension {
		return p, fmt.Errorf("%w: project %s image size %dx%d exceeds %d",
			ErrInvariant, p.ID, p.Width, p.Height, MaxDimension)
	}
	return p, nil
}

// Prompt belongs to exactly one Project.
type Prompt struct {
	ID      PromptID  `json:"id"`
	Project ProjectID `json:"project"`
	Text    string    `json:"text"`
}

// Image is a stored image. Data is nil when the image was listed without
// its payload.
type Image struct {
	ID          ImageID   `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"-"`
}

// Loaded reports whether the payload is present.
func (i Image) Loaded() bool {
	return i.Data != nil
}

// Unload returns a copy without the payload.
func (i Image) Unload() Image {
	i.Data = nil
	return i
}

// GenerationCache is the durable progress of a prompt's generation job.
//
// Step counts completed steps. Latent is the opaque continuation state handed
// back by the engine; nil means no step has run yet.
type GenerationCache struct {
	ID       GenerationCacheID `json:"id"`
	Step     int               `json:"step"`
	Steps    int               `json:"steps"`
	Strength float64           `json:"strength"`
	Latent   []byte            `json:"latent,omitempty"`
}

// NewGenerationCache creates the initial cache row for a prompt.
func NewGenerationCache(prompt PromptID, steps int, strength float64) (GenerationCache, error) {
	c := GenerationCache{
		ID:       GenerationCacheIDFromPromptID(prompt),
		Steps:    steps,
		Strength: strength,
	}
	return c, c.Validate()
}

// Validate checks 0 <= Step <= Steps and Steps > 0.
func (c GenerationCache) Validate() error {
	if c.Steps <= 0 {
		return fmt.Errorf("%w: cache %s has %d steps", ErrInvariant, c.ID, c.Steps)
	}
	if c.Step < 0 || c.Step > c.Steps {
		return fmt.Errorf("%w: cache %s step %d out of range [0, %d]", ErrInvariant, c.ID, c.Step, c.Steps)
	}
	return nil
}

// Complete reports whether every requested step has run.
func (c GenerationCache) Complete() bool {
	return c.Step >= c.Steps
}

// Progress is the completed fraction of the job.
func (c GenerationCache) Progress() float64 {
	if c.Steps <= 0 {
		return 0
	}
	return float64(c.Step) / float64(c.Steps)
}
