package syncengine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/atelierworks/stylesync/internal/stylesync"
)

// BlobStore is the external collaborator that accepts large binary
// payloads and returns a stable reference.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Artifact is the opaque output of the generative-image backend: either an
// external reference or an inline blob that must be externalized before it
// may enter the engine.
type Artifact struct {
	URL         string
	Inline      []byte
	ContentType string
}

func (a Artifact) IsInline() bool {
	return len(a.Inline) > 0
}

// ImageProducer is the generative-image backend collaborator.
type ImageProducer interface {
	Produce(ctx context.Context, request map[string]any) (Artifact, error)
}

// BlobPath is the storage layout for externalized artifacts.
func BlobPath(userID, requestID string) string {
	return fmt.Sprintf("users/%s/upscaled/%s.jpg", userID, requestID)
}

// decodeDataURI splits a self-describing data URI into its payload and
// content type.
func decodeDataURI(uri string) ([]byte, string, error) {
	if !stylesync.IsInlineBinary(uri) {
		return nil, "", fmt.Errorf("%w: not a data uri", stylesync.ErrInvalidInput)
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ";base64,")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data uri", stylesync.ErrInvalidInput)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", stylesync.ErrInvalidInput, err)
	}
	contentType := meta
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}
