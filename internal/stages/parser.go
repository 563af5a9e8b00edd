package stages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"millrace/internal/config"
	"millrace/internal/faults"
	"millrace/internal/logging"
	"millrace/internal/pipeline"
)

// Parser extracts plain text from a document's raw bytes. Supported input
// is UTF-8 text; anything else is a validation failure and dead-letters
// without burning retries.
type Parser struct {
	cfg    *config.Config
	store  *pipeline.Store
	logger *slog.Logger
}

// NewParser constructs the parse stage handler.
func NewParser(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) *Parser {
	return &Parser{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "parser")}
}

func (p *Parser) Prepare(ctx context.Context, req *Request) error {
	if req.Document == nil {
		return faults.Wrap(faults.ErrInvariant, "parse", "validate inputs", "request carries no document", nil)
	}
	if strings.TrimSpace(req.Document.RawStoragePath) == "" {
		return faults.Wrap(faults.ErrValidation, "parse", "validate inputs",
			"document has no raw storage path", nil)
	}
	return nil
}

func (p *Parser) Execute(ctx context.Context, req *Request) error {
	logger := logging.WithContext(ctx, p.logger)

	raw, err := os.ReadFile(req.Document.RawStoragePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// The upload may still be landing; leave this retryable.
			return faults.Wrap(faults.ErrTransient, "parse", "read raw bytes",
				fmt.Sprintf("raw file %s not yet visible", req.Document.RawStoragePath), err)
		}
		return faults.Wrap(faults.ErrTransient, "parse", "read raw bytes", "", err)
	}

	if int64(len(raw)) != req.Document.ByteLength {
		return faults.Wrap(faults.ErrValidation, "parse", "verify length",
			fmt.Sprintf("raw file is %d bytes, registration recorded %d", len(raw), req.Document.ByteLength), nil)
	}
	if !utf8.Valid(raw) {
		return faults.Wrap(faults.ErrValidation, "parse", "decode text",
			"raw bytes are not valid UTF-8", nil)
	}

	text := normalizeText(string(raw))
	if text == "" {
		return faults.Wrap(faults.ErrValidation, "parse", "decode text",
			"document contains no extractable text", nil)
	}

	req.Payload.Text = text
	req.Payload.RuneCount = utf8.RuneCountInString(text)

	logger.Info("document parsed",
		logging.Int("byte_length", len(raw)),
		logging.Int("rune_count", req.Payload.RuneCount))
	return nil
}

// normalizeText standardizes line endings and strips trailing whitespace so
// chunk boundaries are stable across upload platforms.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// Validator checks parse output before the pipeline commits to chunking.
// Split from the parser so a bad parse is distinguishable from a bad
// document in the event history.
type Validator struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewValidator constructs the parse-validation stage handler.
func NewValidator(cfg *config.Config, logger *slog.Logger) *Validator {
	return &Validator{cfg: cfg, logger: logging.NewComponentLogger(logger, "parse-validator")}
}

func (v *Validator) Prepare(ctx context.Context, req *Request) error {
	if req.Payload == nil {
		return faults.Wrap(faults.ErrInvariant, "validate", "inspect payload", "request carries no payload", nil)
	}
	return nil
}

func (v *Validator) Execute(ctx context.Context, req *Request) error {
	logger := logging.WithContext(ctx, v.logger)

	if strings.TrimSpace(req.Payload.Text) == "" {
		return faults.Wrap(faults.ErrValidation, "validate", "inspect payload",
			"parse produced empty text", nil)
	}
	if got := utf8.RuneCountInString(req.Payload.Text); got != req.Payload.RuneCount {
		return faults.Wrap(faults.ErrValidation, "validate", "inspect payload",
			fmt.Sprintf("rune count drifted: payload says %d, text has %d", req.Payload.RuneCount, got), nil)
	}

	logger.Info("parse output validated", logging.Int("rune_count", req.Payload.RuneCount))
	return nil
}
