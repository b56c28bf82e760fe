// Package storage persists captured screenshots and hands back a URL for them.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ContentTypePNG is the content type of every screenshot
const ContentTypePNG = "image/png"

// ErrExists is returned when an artifact with the same name is already stored
var ErrExists = errors.New("artifact already exists")

// Store writes immutable artifacts.
type Store interface {
	// Put stores data under name and returns a URL the caller can fetch it from
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// ArtifactName identifies a stored screenshot
type ArtifactName struct {
	ID       string
	Filename string
}

// NewArtifactName returns a fresh time-ordered identifier. UUIDv7 keeps ids
// unique within one clock tick and sortable by capture time.
func NewArtifactName() (ArtifactName, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ArtifactName{}, fmt.Errorf("failed to generate artifact id: %w", err)
	}

	return ArtifactName{
		ID:       id.String(),
		Filename: fmt.Sprintf("screenshot_%s.png", id.String()),
	}, nil
}
