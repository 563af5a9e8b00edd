package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"millrace/internal/config"
	"millrace/internal/faults"
	"millrace/internal/identity"
	"millrace/internal/logging"
	"millrace/internal/pipeline"
)

// SplitWindows slices text into fixed-size rune windows with overlap. The
// split is purely positional, so the same text, window, and overlap always
// produce the same chunk sequence.
func SplitWindows(text string, window, overlap int) []string {
	if text == "" || window <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= window {
		overlap = 0
	}

	runes := []rune(text)
	step := window - overlap
	var parts []string
	for start := 0; start < len(runes); start += step {
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return parts
}

// Chunker splits validated parse output into persisted chunks with
// deterministic identity.
type Chunker struct {
	cfg    *config.Config
	store  *pipeline.Store
	logger *slog.Logger
}

// NewChunker constructs the chunking stage handler.
func NewChunker(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) *Chunker {
	return &Chunker{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "chunker")}
}

func (c *Chunker) Prepare(ctx context.Context, req *Request) error {
	if req.Payload == nil || req.Payload.Text == "" {
		return faults.Wrap(faults.ErrValidation, "chunk", "validate inputs",
			"no parsed text available for chunking", nil)
	}
	if c.cfg.Chunking.WindowRunes <= 0 {
		return faults.Wrap(faults.ErrInvariant, "chunk", "validate inputs",
			"chunk window must be positive", nil)
	}
	return nil
}

func (c *Chunker) Execute(ctx context.Context, req *Request) error {
	logger := logging.WithContext(ctx, c.logger)
	chunking := c.cfg.Chunking

	windows := SplitWindows(req.Payload.Text, chunking.WindowRunes, chunking.OverlapRunes)
	if len(windows) == 0 {
		return faults.Wrap(faults.ErrValidation, "chunk", "split text",
			"chunker produced no windows", nil)
	}

	docID := req.Document.DocumentID
	chunks := make([]*pipeline.Chunk, 0, len(windows))
	for ordinal, text := range windows {
		sum := sha256.Sum256([]byte(text))
		chunks = append(chunks, &pipeline.Chunk{
			ChunkID:        identity.ChunkID(docID, chunking.ChunkerName, chunking.ChunkerVersion, ordinal),
			DocumentID:     docID,
			ChunkerName:    chunking.ChunkerName,
			ChunkerVersion: chunking.ChunkerVersion,
			Ordinal:        ordinal,
			Text:           text,
			ContentHash:    hex.EncodeToString(sum[:]),
		})
	}

	if err := c.store.StoreChunks(ctx, docID, chunks); err != nil {
		return faults.Wrap(faults.ErrTransient, "chunk", "persist chunks",
			fmt.Sprintf("storing %d chunks", len(chunks)), err)
	}
	req.Payload.ChunkCount = len(chunks)

	logger.Info("chunks stored",
		logging.Int("chunk_count", len(chunks)),
		logging.String("chunker", chunking.ChunkerName+"/"+chunking.ChunkerVersion))
	return nil
}
