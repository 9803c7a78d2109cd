package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/generate"
	"github.com/basket/ijave/internal/persistence"
)

type projectCreate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Width       *int   `json:"image_width"`
	Height      *int   `json:"image_height"`
}

type projectUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Width       *int    `json:"image_width"`
	Height      *int    `json:"image_height"`
}

type promptCreate struct {
	Text     string   `json:"text"`
	Steps    *int     `json:"steps"`
	Strength *float64 `json:"strength"`
}

// promptView is a prompt together with the progress of its job.
type promptView struct {
	ent.Prompt
	Progress float64 `json:"progress"`
}

// imageTypes are the content types accepted for uploads.
var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.cfg.Store.Projects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []ent.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectCreate
	if err := decodeJSON(w, r, s.schemas.projectCreate, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	width, height := defaultWidth, defaultHeight
	if req.Width != nil {
		width = *req.Width
	}
	if req.Height != nil {
		height = *req.Height
	}
	project, err := ent.NewProject(req.Name, req.Description, width, height)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		return tx.Projects().Create(ctx, project)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var project ent.Project
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		project, err = tx.Projects().Load(ctx, id)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req projectUpdate
	if err := decodeJSON(w, r, s.schemas.projectUpdate, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	var project ent.Project
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		current, err := tx.Projects().Load(ctx, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			current.Name = *req.Name
		}
		if req.Description != nil {
			current.Description = *req.Description
		}
		if req.Width != nil {
			current.Width = *req.Width
		}
		if req.Height != nil {
			current.Height = *req.Height
		}
		if project, err = current.Normalized(); err != nil {
			return err
		}
		ok, err := tx.Projects().Update(ctx, project)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("project %s: %w", id, persistence.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.deleted(w, r, "project", id, func(ctx context.Context, tx *persistence.Tx) (bool, error) {
		return tx.Projects().Delete(ctx, id)
	})
}

func (s *Server) handleProjectIcon(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.image(w, r, func(ctx context.Context, tx *persistence.Tx) (ent.Image, error) {
		return tx.Icons().ForProject(ctx, id)
	})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var prompts []ent.Prompt
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		if _, err := tx.Projects().Load(ctx, id); err != nil {
			return err
		}
		prompts, err = tx.Prompts().List(ctx, id)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []ent.Prompt{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseProjectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req promptCreate
	if err := decodeJSON(w, r, s.schemas.promptCreate, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	steps, strength := s.cfg.Steps, s.cfg.Strength
	if req.Steps != nil {
		steps = *req.Steps
	}
	if req.Strength != nil {
		strength = *req.Strength
	}
	prompt, err := generate.CreatePrompt(r.Context(), s.cfg.Store, id, req.Text, steps, strength)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, promptView{Prompt: prompt})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParsePromptID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var view promptView
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		if view.Prompt, err = tx.Prompts().Load(ctx, id); err != nil {
			return err
		}
		view.Progress, err = generate.Progress(ctx, s.cfg.Store, id)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParsePromptID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.deleted(w, r, "prompt", id, func(ctx context.Context, tx *persistence.Tx) (bool, error) {
		return tx.Prompts().Delete(ctx, id)
	})
}

func (s *Server) handlePromptIcon(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParsePromptID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.image(w, r, func(ctx context.Context, tx *persistence.Tx) (ent.Image, error) {
		return tx.Icons().ForPrompt(ctx, id)
	})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParsePromptID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var images []ent.Image
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		if _, err := tx.Prompts().Load(ctx, id); err != nil {
			return err
		}
		images, err = tx.Images().List(ctx, id)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if images == nil {
		images = []ent.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParsePromptID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cfg.Service == nil {
		http.Error(w, "generation is not available", http.StatusServiceUnavailable)
		return
	}
	ticket, err := s.cfg.Service.Generate(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

// handleUploadImages stores every part of a multipart body as an image.
// With ?prompt=<id> the images are linked to that prompt.
func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	var prompt *ent.PromptID
	if v := r.URL.Query().Get("prompt"); v != "" {
		id, err := ent.ParsePromptID(v)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		prompt = &id
	}

	images, err := readImageParts(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var ids []ent.ImageID
	err = s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		ids, err = saveImages(ctx, tx, images, prompt)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ids)
}

// saveImages stores images under fresh ids and links them to prompt when it
// is set. It returns only the ids of this call, so a transaction rerun after
// a busy commit reports what was actually committed.
func saveImages(ctx context.Context, tx *persistence.Tx, images []ent.Image, prompt *ent.PromptID) ([]ent.ImageID, error) {
	if prompt != nil {
		if _, err := tx.Prompts().Load(ctx, *prompt); err != nil {
			return nil, err
		}
	}
	now := tx.Now()
	ids := make([]ent.ImageID, 0, len(images))
	for _, img := range images {
		img.ID = ent.NewImageID()
		img.Timestamp = now
		if err := tx.Images().Create(ctx, img); err != nil {
			return nil, err
		}
		if prompt != nil {
			if err := tx.Link(ctx, *prompt, img.ID); err != nil {
				return nil, err
			}
		}
		ids = append(ids, img.ID)
	}
	return ids, nil
}

func readImageParts(r *http.Request) ([]ent.Image, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnsupportedMedia, err)
	}
	var images []ent.Image
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, badRequest("read multipart body: %v", err)
		}
		mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil || !imageTypes[mediaType] {
			_ = part.Close()
			return nil, fmt.Errorf("%w: part %q is not png or jpeg", errUnsupportedMedia, part.FormName())
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, badRequest("upload exceeds %d bytes", tooLarge.Limit)
			}
			return nil, fmt.Errorf("read part %q: %w", part.FormName(), err)
		}
		images = append(images, ent.Image{ContentType: mediaType, Data: data})
	}
	if len(images) == 0 {
		return nil, badRequest("no images in upload")
	}
	return images, nil
}

func (s *Server) handleImageData(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseImageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.image(w, r, func(ctx context.Context, tx *persistence.Tx) (ent.Image, error) {
		return tx.Icons().ForImage(ctx, id)
	})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, ent.ParseImageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.deleted(w, r, "image", id, func(ctx context.Context, tx *persistence.Tx) (bool, error) {
		return tx.Images().Delete(ctx, id)
	})
}

// image writes the payload of the image load resolves to.
func (s *Server) image(w http.ResponseWriter, r *http.Request, load func(ctx context.Context, tx *persistence.Tx) (ent.Image, error)) {
	var img ent.Image
	err := s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		img, err = load(ctx, tx)
		return err
	})
	if err == nil && !img.Loaded() {
		err = fmt.Errorf("image %s payload: %w", img.ID, persistence.ErrNotFound)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

// deleted answers 200 with an empty body when del removed a row.
func (s *Server) deleted(w http.ResponseWriter, r *http.Request, what string, id fmt.Stringer, del func(ctx context.Context, tx *persistence.Tx) (bool, error)) {
	var ok bool
	err := s.cfg.Store.Transaction(r.Context(), func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		ok, err = del(ctx, tx)
		return err
	})
	if err == nil && !ok {
		err = fmt.Errorf("%s %s: %w", what, id, persistence.ErrNotFound)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
