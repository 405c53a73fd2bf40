package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"contentsync/internal/model"
)

// FileSystemSource exposes a directory tree (typically a network mount) as a
// remote source. Item ids are derived from device and inode numbers, which
// survive renames and moves within the same filesystem and are not reused
// while the file exists.
type FileSystemSource struct {
	root string
}

// NewFileSystemSource creates a source rooted at root.
func NewFileSystemSource(root string) (*FileSystemSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", root)
	}
	return &FileSystemSource{root: root}, nil
}

// List walks scope (relative to the root) and returns every regular file.
func (s *FileSystemSource) List(ctx context.Context, scope string) ([]model.RemoteItem, error) {
	base, err := s.resolve(scope)
	if err != nil {
		return nil, err
	}

	var items []model.RemoteItem
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access path %s: %w", p, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != base && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		id, err := fileID(info)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		folder := path.Dir(rel)
		if folder == "." {
			folder = ""
		}

		items = append(items, model.RemoteItem{
			RemoteID:     id,
			DisplayName:  d.Name(),
			LocationPath: folder,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
			WebURL:       "file://" + filepath.ToSlash(p),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", scope, err)
	}
	return items, nil
}

// Download copies the file at p (relative to the root) to w.
func (s *FileSystemSource) Download(ctx context.Context, p string, w io.Writer) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := io.Copy(w, readerWithContext{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", p, err)
	}
	return nil
}

// resolve maps a slash path onto the root without letting it escape.
func (s *FileSystemSource) resolve(p string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(p))
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes source root: %s", p)
	}
	return full, nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

var _ Source = (*FileSystemSource)(nil)
