// Package ocr runs a local tesseract binary as an alternative OCR engine.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"team-copilot-go/internal/model"
)

// CommandRunner executes an external command with stdin and returns stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Tesseract recognizes text by piping image bytes through `tesseract stdin stdout`.
type Tesseract struct {
	path     string
	language string
	runner   CommandRunner
}

// NewTesseract creates an engine; a nil runner uses os/exec.
func NewTesseract(path, language string, runner CommandRunner) *Tesseract {
	if runner == nil {
		runner = execRunner{}
	}
	if path == "" {
		path = "tesseract"
	}
	return &Tesseract{path: path, language: language, runner: runner}
}

// Recognize returns the trimmed text found in img.
func (t *Tesseract) Recognize(ctx context.Context, img model.ExtractedImage) (string, error) {
	args := []string{"stdin", "stdout"}
	if t.language != "" {
		args = append(args, "-l", t.language)
	}
	out, err := t.runner.Run(ctx, img.Data, t.path, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
