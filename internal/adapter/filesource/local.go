// Package filesource stores uploaded statements on local disk. It stands in
// for object storage in single-node deployments.
package filesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/taxbracket/backend/internal/domain"
)

var extensionTypes = map[string]string{
	".csv":  "text/csv",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pdf":  "application/pdf",
}

// MediaType returns the bare media type of an upload. The declared type wins
// unless it is missing or generic, in which case the file extension decides.
func MediaType(name, declared string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	if mt, _, err := mime.ParseMediaType(mime.TypeByExtension(ext)); err == nil {
		return mt
	}
	return "application/octet-stream"
}

// Local keeps each file at <root>/<fileID> with its metadata in <fileID>.json.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("file source root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file root: %w", err)
	}
	return &Local{root: root}, nil
}

// Save stores r under a new file id.
func (l *Local) Save(ctx context.Context, name, mimeType string, r io.Reader) (domain.FileMeta, error) {
	meta := domain.FileMeta{
		FileID:   uuid.NewString(),
		Name:     filepath.Base(name),
		MimeType: mimeType,
	}

	tmp, err := os.CreateTemp(l.root, ".upload-*")
	if err != nil {
		return domain.FileMeta{}, fmt.Errorf("create upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return domain.FileMeta{}, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.FileMeta{}, fmt.Errorf("write upload: %w", err)
	}
	meta.Size = n

	raw, err := json.Marshal(meta)
	if err != nil {
		return domain.FileMeta{}, err
	}
	if err := os.WriteFile(l.metaPath(meta.FileID), raw, 0o644); err != nil {
		return domain.FileMeta{}, fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.dataPath(meta.FileID)); err != nil {
		os.Remove(l.metaPath(meta.FileID))
		return domain.FileMeta{}, fmt.Errorf("store upload: %w", err)
	}
	return meta, nil
}

// Open returns the contents of fileID. The caller closes the reader.
func (l *Local) Open(ctx context.Context, fileID string) (io.ReadCloser, domain.FileMeta, error) {
	if !validID(fileID) {
		return nil, domain.FileMeta{}, fmt.Errorf("%w: %q", domain.ErrFileNotFound, fileID)
	}

	raw, err := os.ReadFile(l.metaPath(fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.FileMeta{}, fmt.Errorf("%w: %s", domain.ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, domain.FileMeta{}, err
	}
	var meta domain.FileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, domain.FileMeta{}, fmt.Errorf("read metadata of %s: %w", fileID, err)
	}

	f, err := os.Open(l.dataPath(fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.FileMeta{}, fmt.Errorf("%w: %s", domain.ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, domain.FileMeta{}, err
	}
	return f, meta, nil
}

// Delete removes fileID and its metadata. Missing files are not an error.
func (l *Local) Delete(ctx context.Context, fileID string) error {
	if !validID(fileID) {
		return fmt.Errorf("%w: %q", domain.ErrFileNotFound, fileID)
	}
	for _, p := range []string{l.dataPath(fileID), l.metaPath(fileID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (l *Local) dataPath(id string) string { return filepath.Join(l.root, id) }
func (l *Local) metaPath(id string) string { return filepath.Join(l.root, id+".json") }

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
