package filesource

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taxbracket/backend/internal/domain"
)

func TestLocal_SaveAndOpen(t *testing.T) {
	src, err := NewLocal(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()

	meta, err := src.Save(ctx, "../../march statement.csv", "text/csv", strings.NewReader("Date,Amount\n"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if meta.FileID == "" {
		t.Fatal("Save() returned empty file id")
	}
	if meta.Name != "march statement.csv" {
		t.Errorf("Name = %q, want base name", meta.Name)
	}
	if meta.Size != int64(len("Date,Amount\n")) {
		t.Errorf("Size = %d", meta.Size)
	}

	rc, got, err := src.Open(ctx, meta.FileID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "Date,Amount\n" {
		t.Errorf("body = %q", body)
	}
	if got != meta {
		t.Errorf("Open() meta = %+v, want %+v", got, meta)
	}
}

func TestLocal_OpenMissing(t *testing.T) {
	src, _ := NewLocal(t.TempDir())

	for _, id := range []string{"does-not-exist", "../etc/passwd", "", ".hidden"} {
		_, _, err := src.Open(context.Background(), id)
		if !errors.Is(err, domain.ErrFileNotFound) {
			t.Errorf("Open(%q) error = %v, want ErrFileNotFound", id, err)
		}
	}
}

func TestLocal_Delete(t *testing.T) {
	root := t.TempDir()
	src, _ := NewLocal(root)
	ctx := context.Background()

	meta, err := src.Save(ctx, "a.csv", "text/csv", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := src.Delete(ctx, meta.FileID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := src.Delete(ctx, meta.FileID); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("root still has %d entries", len(entries))
	}
}

func TestLocal_SaveCancelled(t *testing.T) {
	root := t.TempDir()
	src, _ := NewLocal(root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Save(ctx, "a.csv", "text/csv", strings.NewReader("x")); err == nil {
		t.Fatal("Save() with cancelled context should fail")
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("cancelled save left %d entries", len(entries))
	}
}

func TestMediaType(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		declared string
		want     string
	}{
		{name: "declared with params", file: "a.csv", declared: "text/csv; charset=utf-8", want: "text/csv"},
		{name: "generic falls back to extension", file: "a.CSV", declared: "application/octet-stream", want: "text/csv"},
		{name: "missing declared", file: "march.xlsx", declared: "", want: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{name: "unknown", file: "notes", declared: "", want: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MediaType(tt.file, tt.declared); got != tt.want {
				t.Errorf("MediaType(%q, %q) = %q, want %q", tt.file, tt.declared, got, tt.want)
			}
		})
	}
}
