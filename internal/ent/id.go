// Package ent defines the entities stored by ijave and their typed identifiers.
//
// Every identifier is a UUID, but each entity kind has its own named type so
// that a PromptID can never be passed where an ImageID is expected.
package ent

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ProjectID identifies a Project.
type ProjectID uuid.UUID

// PromptID identifies a Prompt.
type PromptID uuid.UUID

// ImageID identifies an Image.
type ImageID uuid.UUID

// GenerationCacheID identifies a GenerationCache row. It always equals the
// identifier of the owning Prompt.
type GenerationCacheID uuid.UUID

func NewProjectID() ProjectID { return ProjectID(uuid.New()) }
func NewPromptID() PromptID   { return PromptID(uuid.New()) }
func NewImageID() ImageID     { return ImageID(uuid.New()) }

// GenerationCacheIDFromPromptID derives the cache key of a prompt.
func GenerationCacheIDFromPromptID(id PromptID) GenerationCacheID {
	return GenerationCacheID(id)
}

// PromptID returns the prompt owning the cache row.
func (id GenerationCacheID) PromptID() PromptID { return PromptID(id) }

func ParseProjectID(s string) (ProjectID, error) { return parse[ProjectID]("project", s) }
func ParsePromptID(s string) (PromptID, error)   { return parse[PromptID]("prompt", s) }
func ParseImageID(s string) (ImageID, error)     { return parse[ImageID]("image", s) }

func ProjectIDFromBytes(b []byte) (ProjectID, error) { return fromBytes[ProjectID]("project", b) }
func PromptIDFromBytes(b []byte) (PromptID, error)   { return fromBytes[PromptID]("prompt", b) }
func ImageIDFromBytes(b []byte) (ImageID, error)     { return fromBytes[ImageID]("image", b) }

func GenerationCacheIDFromBytes(b []byte) (GenerationCacheID, error) {
	return fromBytes[GenerationCacheID]("generation cache", b)
}

func (id ProjectID) String() string         { return uuid.UUID(id).String() }
func (id PromptID) String() string          { return uuid.UUID(id).String() }
func (id ImageID) String() string           { return uuid.UUID(id).String() }
func (id GenerationCacheID) String() string { return uuid.UUID(id).String() }

func (id ProjectID) Bytes() []byte         { return bytesOf(id) }
func (id PromptID) Bytes() []byte          { return bytesOf(id) }
func (id ImageID) Bytes() []byte           { return bytesOf(id) }
func (id GenerationCacheID) Bytes() []byte { return bytesOf(id) }

func (id ProjectID) MarshalText() ([]byte, error)         { return []byte(id.String()), nil }
func (id PromptID) MarshalText() ([]byte, error)          { return []byte(id.String()), nil }
func (id ImageID) MarshalText() ([]byte, error)           { return []byte(id.String()), nil }
func (id GenerationCacheID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ProjectID) UnmarshalText(b []byte) error { return unmarshalText(id, "project", b) }
func (id *PromptID) UnmarshalText(b []byte) error  { return unmarshalText(id, "prompt", b) }
func (id *ImageID) UnmarshalText(b []byte) error   { return unmarshalText(id, "image", b) }
func (id *GenerationCacheID) UnmarshalText(b []byte) error {
	return unmarshalText(id, "generation cache", b)
}

// Identifiers are stored in their 16 byte binary form.

func (id ProjectID) Value() (driver.Value, error)         { return id.Bytes(), nil }
func (id PromptID) Value() (driver.Value, error)          { return id.Bytes(), nil }
func (id ImageID) Value() (driver.Value, error)           { return id.Bytes(), nil }
func (id GenerationCacheID) Value() (driver.Value, error) { return id.Bytes(), nil }

func (id *ProjectID) Scan(src any) error         { return scan(id, "project", src) }
func (id *PromptID) Scan(src any) error          { return scan(id, "prompt", src) }
func (id *ImageID) Scan(src any) error           { return scan(id, "image", src) }
func (id *GenerationCacheID) Scan(src any) error { return scan(id, "generation cache", src) }

type anyID interface {
	~[16]byte
}

func parse[T anyID](kind, s string) (T, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s id %q: %w", kind, s, err)
	}
	return T(u), nil
}

func fromBytes[T anyID](kind string, b []byte) (T, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s id: %w", kind, err)
	}
	return T(u), nil
}

func bytesOf[T anyID](id T) []byte {
	b := [16]byte(id)
	return b[:]
}

func unmarshalText[T anyID](dst *T, kind string, b []byte) error {
	v, err := parse[T](kind, string(b))
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func scan[T anyID](dst *T, kind string, src any) error {
	switch v := src.(type) {
	case []byte:
		id, err := fromBytes[T](kind, v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	case string:
		id, err := parse[T](kind, v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	default:
		return fmt.Errorf("scan %s id: unsupported type %T", kind, src)
	}
}
