// Package identity derives stable, content-addressed identifiers for
// pipeline records. The same inputs always produce the same ID, so
// re-registering a document or re-running a chunker never mints new
// identity.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyVersion tags the canonical key layout. Changing how keys are
// concatenated is a breaking event and requires a version bump plus a
// migration run (see internal/migrate).
const KeyVersion = "v1"

// Namespace selects the entity space an ID is derived in. Distinct
// namespaces keep document and chunk keys from ever colliding even if
// their canonical strings were equal.
type Namespace uuid.UUID

var (
	// NamespaceDocument scopes document identifiers.
	NamespaceDocument = Namespace(uuid.MustParse("6f2d0c7e-9b1a-4e8f-8c3d-5a7e21c9f0b4"))
	// NamespaceChunk scopes chunk identifiers.
	NamespaceChunk = Namespace(uuid.MustParse("b81f4a03-2c6d-4d95-9e72-0d4c8a1f6e35"))
)

// Derive computes the deterministic identifier for a canonical key within
// a namespace. The result is a name-based (version 5 style) UUID: 128 bits,
// collision-resistant across distinct inputs, identical for identical
// inputs. Pure function, no side effects.
func Derive(ns Namespace, canonicalKey string) string {
	return uuid.NewSHA1(uuid.UUID(ns), []byte(canonicalKey)).String()
}

// DocumentKey builds the canonical key for a document from its owning
// principal and the hex digest of its raw bytes.
func DocumentKey(ownerID, contentHash string) string {
	return KeyVersion + ":" + strings.TrimSpace(ownerID) + ":" + strings.ToLower(strings.TrimSpace(contentHash))
}

// ChunkKey builds the canonical key for a chunk. Chunk identity includes
// the chunker name and version so a re-chunk under a new version produces
// a new generation instead of overwriting the old one.
func ChunkKey(documentID, chunkerName, chunkerVersion string, ordinal int) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", KeyVersion, documentID, chunkerName, chunkerVersion, ordinal)
}

// DocumentID is shorthand for Derive over the document namespace.
func DocumentID(ownerID, contentHash string) string {
	return Derive(NamespaceDocument, DocumentKey(ownerID, contentHash))
}

// ChunkID is shorthand for Derive over the chunk namespace.
func ChunkID(documentID, chunkerName, chunkerVersion string, ordinal int) string {
	return Derive(NamespaceChunk, ChunkKey(documentID, chunkerName, chunkerVersion, ordinal))
}
