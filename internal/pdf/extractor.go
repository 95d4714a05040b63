// Package pdf implements page and text extraction for PDF documents.
//
// pdfcpu handles validation, page counts and single-page extraction;
// thumbnails and text rendering shell out to poppler-utils (pdftoppm,
// pdftotext).
package pdf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Extractor performs the opaque per-page operations the pipeline wraps.
type Extractor struct {
	logger       *slog.Logger
	thumbnailDPI int
}

// New creates an Extractor.
func New(logger *slog.Logger, thumbnailDPI int) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if thumbnailDPI <= 0 {
		thumbnailDPI = 72
	}
	return &Extractor{logger: logger, thumbnailDPI: thumbnailDPI}
}

// Validate checks that the file is a well-formed PDF.
func (e *Extractor) Validate(path string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, cfg); err != nil {
		return fmt.Errorf("invalid PDF: %w", err)
	}
	return nil
}

// PageCount returns the number of pages in the document.
func (e *Extractor) PageCount(path string) (int, error) {
	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return count, nil
}

// ExtractPage writes page pageNum of src as a standalone single-page PDF
// at destPath. The strategy tag tunes pdfcpu behavior for problem
// documents.
func (e *Extractor) ExtractPage(ctx context.Context, src string, pageNum int, strategy, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create page directory: %w", err)
	}

	pages := []string{strconv.Itoa(pageNum)}
	if err := api.TrimFile(src, destPath, pages, cfg); err != nil {
		return fmt.Errorf("failed to extract page %d: %w", pageNum, err)
	}

	// The stricter strategies rewrite the artifact, dropping the
	// structures that flagged the document in the first place.
	switch strategy {
	case "portfolio_extraction", "form_aware_extraction", "conservative_extraction", "cautious_extraction":
		if err := api.OptimizeFile(destPath, destPath, cfg); err != nil {
			e.logger.Warn("page optimize pass failed, keeping raw extraction",
				"page", pageNum, "strategy", strategy, "error", err)
		}
	}
	return nil
}

// Thumbnail renders page pageNum of src to a PNG at destPath using
// pdftoppm (poppler-utils).
func (e *Extractor) Thumbnail(ctx context.Context, src string, pageNum int, destPath string) error {
	tmpDir, err := os.MkdirTemp("", "docmill-thumb-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "thumb")
	pageStr := strconv.Itoa(pageNum)

	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(e.thumbnailDPI),
		"-singlefile",
		src,
		outputPrefix,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	srcPath := outputPrefix + ".png"
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return nil
}

// ExtractText returns the text of a single-page PDF using pdftotext.
// It degrades gracefully: extraction noise yields an empty string, not an
// error. Only context cancellation is surfaced.
func (e *Extractor) ExtractText(ctx context.Context, pagePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", pagePath, "-")
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.logger.Warn("text extraction degraded to empty content",
			"page_path", pagePath, "error", err)
		return "", nil
	}
	return strings.TrimSpace(string(output)), nil
}
