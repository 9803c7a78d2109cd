package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/ijave/internal/ent"
)

var dimensionSchema = fmt.Sprintf(`{"type": "integer", "minimum": 0, "maximum": %d}`,
	ent.MaxDimension+ent.Granularity-1)

// Request bodies are checked against these before they are decoded. Unknown
// fields are rejected; in particular a body may never carry an id.
var (
	projectCreateSchema = `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"image_width": ` + dimensionSchema + `,
			"image_height": ` + dimensionSchema + `
		},
		"required": ["name", "description"],
		"additionalProperties": false
	}`

	projectUpdateSchema = `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"image_width": ` + dimensionSchema + `,
			"image_height": ` + dimensionSchema + `
		},
		"additionalProperties": false
	}`

	promptCreateSchema = `{
		"type": "object",
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"steps": {"type": "integer", "minimum": 1},
			"strength": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
		},
		"required": ["text"],
		"additionalProperties": false
	}`
)

const maxJSONBytes = 1 << 20

type schemas struct {
	projectCreate *jsonschema.Schema
	projectUpdate *jsonschema.Schema
	promptCreate  *jsonschema.Schema
}

func mustCompileSchemas() *schemas {
	return &schemas{
		projectCreate: mustCompile("project-create.json", projectCreateSchema),
		projectUpdate: mustCompile("project-update.json", projectUpdateSchema),
		promptCreate:  mustCompile("prompt-create.json", promptCreateSchema),
	}
}

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("unmarshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// decodeJSON reads an application/json body, validates it against schema
// and decodes it into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("%w: expected application/json", errUnsupportedMedia)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return badRequest("body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("read body: %w", err)
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs to tell integers from floats.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return badRequest("%v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}
