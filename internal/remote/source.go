// Package remote holds the collaborators that expose the authoritative
// content source: a scoped item listing and single-item download by path.
package remote

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_source.go -package=mocks contentsync/internal/remote Source

import (
	"context"
	"errors"
	"io"

	"contentsync/internal/model"
)

// ErrNotFound is returned by Download when the source no longer has the path.
var ErrNotFound = errors.New("remote item not found")

// Source is the remote content source.
type Source interface {
	// List returns every item under scope. Each item carries an immutable id.
	List(ctx context.Context, scope string) ([]model.RemoteItem, error)
	// Download writes the bytes of the item at path to w.
	Download(ctx context.Context, path string, w io.Writer) error
}
