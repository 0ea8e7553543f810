package stylesync

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Gate inspects an entity payload before it may leave the local store for
// the remote store. It is a pure predicate: structural schema validation
// first, then a scan for inline binary payloads that must be externalized
// to the blob store before syncing. The remote store has a hard per-document
// size ceiling, so an embedded data URI must never reach it.
type Gate struct {
	schemas map[Kind]*jsonschema.Schema
}

const (
	projectSchema = `{
		"type": "object",
		"required": ["id", "ownerId", "title"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"ownerId": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"syncVersion": {"type": "number"}
		}
	}`
	projectStateSchema = `{
		"type": "object",
		"required": ["projectId", "history"],
		"properties": {
			"projectId": {"type": "string", "minLength": 1},
			"history": {"type": "array"},
			"styling": {"type": "object"},
			"syncVersion": {"type": "number"}
		}
	}`
	wardrobeItemSchema = `{
		"type": "object",
		"required": ["id", "url", "category"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"url": {"type": "string", "minLength": 1},
			"category": {"type": "string", "minLength": 1}
		}
	}`
	artifactRequestSchema = `{
		"type": "object",
		"required": ["id", "status"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["queued", "completed", "failed"]}
		}
	}`
)

func NewGate() (*Gate, error) {
	sources := map[Kind]string{
		KindProject:         projectSchema,
		KindProjectState:    projectStateSchema,
		KindWardrobeItem:    wardrobeItemSchema,
		KindArtifactRequest: artifactRequestSchema,
	}
	compiler := jsonschema.NewCompiler()
	for kind, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		if err := compiler.AddResource(string(kind)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
	}
	schemas := make(map[Kind]*jsonschema.Schema, len(sources))
	for kind := range sources {
		schema, err := compiler.Compile(string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		schemas[kind] = schema
	}
	return &Gate{schemas: schemas}, nil
}

// Validate returns nil when the snapshot may be written to the remote
// store. ErrMalformedEntity means required structure is missing;
// ErrValidationRejected means an inline binary payload was found and the
// caller must externalize it first.
func (g *Gate) Validate(snap Snapshot) error {
	if snap.ID == "" || !snap.Kind.Valid() {
		return fmt.Errorf("%w: missing id or kind", ErrMalformedEntity)
	}
	schema, ok := g.schemas[snap.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEntity, snap.Kind)
	}
	if err := schema.Validate(cloneDoc(snap.Doc)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEntity, err)
	}
	if field := findInlineBinary(snap.Doc, ""); field != "" {
		return &ValidationError{Field: field, Reason: "inline binary payload must be externalized to a blob reference"}
	}
	return nil
}

// IsInlineBinary recognizes the self-describing embedded-data marker the
// generation collaborator emits before externalization completes.
func IsInlineBinary(s string) bool {
	return strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,")
}

func findInlineBinary(value any, path string) string {
	switch typed := value.(type) {
	case string:
		if IsInlineBinary(typed) {
			return path
		}
	case map[string]any:
		for _, key := range sortedKeys(typed) {
			child := key
			if path != "" {
				child = path + "." + key
			}
			if found := findInlineBinary(typed[key], child); found != "" {
				return found
			}
		}
	case []any:
		for i, elem := range typed {
			if found := findInlineBinary(elem, fmt.Sprintf("%s[%d]", path, i)); found != "" {
				return found
			}
		}
	}
	return ""
}
