package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/domain"
)

// CommandConfig describes an external converter that prints a CSV statement
// on stdout, typically a PDF table extractor or an OCR pipeline.
type CommandConfig struct {
	Name      string
	MimeTypes []string
	Command   string
	// Args may reference the uploaded file with {file}.
	Args []string
}

// Command runs an external converter for matching mime types and normalizes
// its CSV output.
type Command struct {
	name      string
	mimeTypes map[string]bool
	command   string
	args      []string
	logger    *zap.Logger
}

// NewCommand creates an extractor from config.
func NewCommand(cfg CommandConfig, logger *zap.Logger) (*Command, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("extractor %q: command is required", cfg.Name)
	}
	if len(cfg.MimeTypes) == 0 {
		return nil, fmt.Errorf("extractor %q: at least one mime type is required", cfg.Name)
	}
	types := make(map[string]bool, len(cfg.MimeTypes))
	for _, m := range cfg.MimeTypes {
		types[strings.ToLower(m)] = true
	}
	return &Command{
		name:      cfg.Name,
		mimeTypes: types,
		command:   cfg.Command,
		args:      cfg.Args,
		logger:    logger,
	}, nil
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Match(mimeType string) bool {
	return c.mimeTypes[strings.ToLower(mimeType)]
}

// Extract copies the upload into an isolated temp dir, runs the converter
// there and parses what it prints.
func (c *Command) Extract(ctx context.Context, r io.Reader, meta domain.FileMeta) ([]domain.Transaction, error) {
	tempDir, err := os.MkdirTemp("", "taxbracket-extract-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	input := filepath.Join(tempDir, "statement"+filepath.Ext(meta.Name))
	if err := writeFile(input, r); err != nil {
		return nil, fmt.Errorf("stage input: %w", err)
	}

	args := make([]string, len(c.args))
	for i, arg := range c.args {
		args[i] = strings.ReplaceAll(arg, "{file}", input)
	}

	c.logger.Debug("running extractor", zap.String("extractor", c.name), zap.String("file_id", meta.FileID))
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = tempDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", c.command, err, strings.TrimSpace(stderr.String()))
	}

	records, err := readCSV(ctx, &stdout)
	if err != nil {
		return nil, fmt.Errorf("%s output: %w", c.command, err)
	}
	return Normalize(NewTable(records), meta), nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
