package stages

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"

	"millrace/internal/config"
	"millrace/internal/faults"
	"millrace/internal/logging"
	"millrace/internal/pipeline"
)

// Embedder produces a vector for a chunk of text.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder derives vectors from the sha256 stream of the input text.
// Not a semantic model: it exists so the pipeline runs end to end with
// deterministic, dimension-correct vectors until a real embedding service
// is wired in.
type HashEmbedder struct {
	model     string
	dimension int
}

// NewHashEmbedder constructs the deterministic fallback embedder.
func NewHashEmbedder(model string, dimension int) *HashEmbedder {
	if model == "" {
		model = "hash-embedder"
	}
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEmbedder{model: model, dimension: dimension}
}

func (h *HashEmbedder) Model() string { return h.model }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, h.dimension)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for i := 0; i < h.dimension; i++ {
		if i%8 == 0 && i > 0 {
			block = sha256.Sum256(block[:])
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map the 32-bit word onto [-1, 1).
		vector[i] = float32(int64(bits)-1<<31) / float32(1<<31)
	}
	return vector, nil
}

// EmbedStage generates and persists embeddings for a document's live
// chunks.
type EmbedStage struct {
	cfg      *config.Config
	store    *pipeline.Store
	embedder Embedder
	logger   *slog.Logger
}

// NewEmbedStage constructs the embedding stage handler with the built-in
// deterministic embedder.
func NewEmbedStage(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) *EmbedStage {
	embedder := NewHashEmbedder(cfg.Embedding.Model, cfg.Embedding.VectorDimension)
	return NewEmbedStageWithEmbedder(cfg, store, logger, embedder)
}

// NewEmbedStageWithEmbedder allows injecting the embedder (used in tests).
func NewEmbedStageWithEmbedder(cfg *config.Config, store *pipeline.Store, logger *slog.Logger, embedder Embedder) *EmbedStage {
	return &EmbedStage{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		logger:   logging.NewComponentLogger(logger, "embedder"),
	}
}

func (e *EmbedStage) Prepare(ctx context.Context, req *Request) error {
	if e.embedder == nil {
		return faults.Wrap(faults.ErrInvariant, "embed", "validate inputs", "no embedder configured", nil)
	}
	count, err := e.store.CountChunks(ctx, req.Document.DocumentID)
	if err != nil {
		return faults.Wrap(faults.ErrTransient, "embed", "count chunks", "", err)
	}
	if count == 0 {
		return faults.Wrap(faults.ErrValidation, "embed", "validate inputs",
			"document has no live chunks to embed", nil)
	}
	return nil
}

func (e *EmbedStage) Execute(ctx context.Context, req *Request) error {
	logger := logging.WithContext(ctx, e.logger)
	docID := req.Document.DocumentID

	chunks, err := e.store.ChunksByDocument(ctx, docID, false)
	if err != nil {
		return faults.Wrap(faults.ErrTransient, "embed", "load chunks", "", err)
	}

	embedded := 0
	for _, chunk := range chunks {
		if len(chunk.Embedding) > 0 && chunk.EmbeddingModel == e.embedder.Model() {
			// Already embedded by a prior attempt; re-runs skip finished work.
			embedded++
			continue
		}
		vector, err := e.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			return faults.Wrap(faults.ErrTransient, "embed", "generate vector",
				fmt.Sprintf("chunk %s", chunk.ChunkID), err)
		}
		if want := e.cfg.Embedding.VectorDimension; want > 0 && len(vector) != want {
			return faults.Wrap(faults.ErrValidation, "embed", "verify vector",
				fmt.Sprintf("chunk %s vector has %d dimensions, want %d", chunk.ChunkID, len(vector), want), nil)
		}
		if err := e.store.SetChunkEmbedding(ctx, chunk.ChunkID, e.embedder.Model(), vector); err != nil {
			return faults.Wrap(faults.ErrTransient, "embed", "persist vector",
				fmt.Sprintf("chunk %s", chunk.ChunkID), err)
		}
		embedded++
	}

	req.Payload.EmbeddedCount = embedded
	logger.Info("embeddings stored",
		logging.Int("chunk_count", len(chunks)),
		logging.String("model", e.embedder.Model()))
	return nil
}

// Finalizer verifies the document's derived state before the job is marked
// complete.
type Finalizer struct {
	cfg    *config.Config
	store  *pipeline.Store
	logger *slog.Logger
}

// NewFinalizer constructs the finalize stage handler.
func NewFinalizer(cfg *config.Config, store *pipeline.Store, logger *slog.Logger) *Finalizer {
	return &Finalizer{cfg: cfg, store: store, logger: logging.NewComponentLogger(logger, "finalizer")}
}

func (f *Finalizer) Prepare(ctx context.Context, req *Request) error {
	return nil
}

func (f *Finalizer) Execute(ctx context.Context, req *Request) error {
	logger := logging.WithContext(ctx, f.logger)

	chunks, err := f.store.ChunksByDocument(ctx, req.Document.DocumentID, false)
	if err != nil {
		return faults.Wrap(faults.ErrTransient, "finalize", "load chunks", "", err)
	}
	if len(chunks) == 0 {
		return faults.Wrap(faults.ErrValidation, "finalize", "verify chunks",
			"document has no live chunks", nil)
	}
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			// Embeddings may still be landing from a concurrent retry.
			return faults.Wrap(faults.ErrTransient, "finalize", "verify embeddings",
				fmt.Sprintf("chunk %s has no embedding", chunk.ChunkID), nil)
		}
	}

	logger.Info("document finalized", logging.Int("chunk_count", len(chunks)))
	return nil
}
