package ent

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 0},
		{-5, 0},
		{127, 0},
		{128, 128},
		{500, 384},
		{512, 512},
		{1023, 896},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewProject_NormalizesDimensions(t *testing.T) {
	p, err := NewProject("cats", "a project", 500, 500)
	if err != nil {
		t.Fatalf("new project: %v", err)
	}
	if p.Width != 384 || p.Height != 384 {
		t.Fatalf("size = %dx%d, want 384x384", p.Width, p.Height)
	}
}

func TestNewProject_RejectsOutOfRangeDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
	}{
		{"narrow", 100, 512},
		{"flat", 512, 127},
		{"too wide", MaxDimension + Granularity, 512},
		{"huge", 1 << 16, 1 << 16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewProject("x", "", tc.width, tc.height)
			if !errors.Is(err, ErrInvariant) {
				t.Fatalf("%dx%d: expected ErrInvariant, got %v", tc.width, tc.height, err)
			}
		})
	}
}

func TestNewProject_AcceptsMaxDimension(t *testing.T) {
	// Rounds down into range.
	p, err := NewProject("x", "", MaxDimension+Granularity-1, MaxDimension)
	if err != nil {
		t.Fatalf("new project: %v", err)
	}
	if p.Width != MaxDimension || p.Height != MaxDimension {
		t.Fatalf("size = %dx%d, want %dx%d", p.Width, p.Height, MaxDimension, MaxDimension)
	}
}

func TestIDs_RoundTripStringAndBytes(t *testing.T) {
	id := NewPromptID()

	parsed, err := ParsePromptID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("parsed = %s, want %s", parsed, id)
	}

	fromBytes, err := PromptIDFromBytes(id.Bytes())
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if fromBytes != id {
		t.Fatalf("from bytes = %s, want %s", fromBytes, id)
	}

	if _, err := ParseImageID("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ImageIDFromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected decode error for short input")
	}
}

func TestIDs_JSONUsesCanonicalString(t *testing.T) {
	p := Prompt{ID: NewPromptID(), Project: NewProjectID(), Text: "a cat"}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["id"] != p.ID.String() {
		t.Fatalf("id = %v, want %s", raw["id"], p.ID)
	}

	var back Prompt
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != p {
		t.Fatalf("decoded %+v, want %+v", back, p)
	}
}

func TestGenerationCacheID_FollowsPrompt(t *testing.T) {
	prompt := NewPromptID()
	cacheID := GenerationCacheIDFromPromptID(prompt)
	if cacheID.String() != prompt.String() {
		t.Fatalf("cache id %s differs from prompt id %s", cacheID, prompt)
	}
	if cacheID.PromptID() != prompt {
		t.Fatal("PromptID() does not return the owning prompt")
	}
}

func TestGenerationCache_Validate(t *testing.T) {
	id := GenerationCacheIDFromPromptID(NewPromptID())
	tests := []struct {
		name    string
		cache   GenerationCache
		wantErr bool
	}{
		{"fresh", GenerationCache{ID: id, Step: 0, Steps: 5}, false},
		{"complete", GenerationCache{ID: id, Step: 5, Steps: 5}, false},
		{"overrun", GenerationCache{ID: id, Step: 6, Steps: 5}, true},
		{"negative", GenerationCache{ID: id, Step: -1, Steps: 5}, true},
		{"no steps", GenerationCache{ID: id, Step: 0, Steps: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cache.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvariant) {
				t.Fatalf("expected ErrInvariant, got %v", err)
			}
		})
	}
}

func TestGenerationCache_Progress(t *testing.T) {
	c := GenerationCache{Step: 1, Steps: 5}
	if c.Progress() != 0.2 {
		t.Fatalf("progress = %v, want 0.2", c.Progress())
	}
	if c.Complete() {
		t.Fatal("step 1 of 5 is not complete")
	}
	c.Step = 5
	if !c.Complete() {
		t.Fatal("step 5 of 5 is complete")
	}
}

func TestImage_Unload(t *testing.T) {
	img := Image{ID: NewImageID(), ContentType: "image/png", Data: []byte{1}}
	if !img.Loaded() {
		t.Fatal("expected loaded image")
	}
	un := img.Unload()
	if un.Loaded() {
		t.Fatal("expected unloaded copy")
	}
	if !img.Loaded() {
		t.Fatal("unload must not modify the original")
	}
}
