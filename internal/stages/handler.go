package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"millrace/internal/faults"
	"millrace/internal/pipeline"
)

// PayloadVersion tags the parse payload layout carried on jobs. Bump on any
// incompatible field change so old payloads are re-parsed instead of
// misread.
const PayloadVersion = 1

// Payload is the stage output threaded through a job's payload_json column.
// Each stage reads what earlier stages recorded and appends its own fields.
type Payload struct {
	Version       int    `json:"version"`
	Text          string `json:"text,omitempty"`
	RuneCount     int    `json:"rune_count,omitempty"`
	ChunkCount    int    `json:"chunk_count,omitempty"`
	EmbeddedCount int    `json:"embedded_count,omitempty"`
}

// Request carries the claimed job and its document through a stage.
type Request struct {
	Job      *pipeline.Job
	Document *pipeline.Document
	Payload  *Payload
}

// Handler is the contract the dispatcher needs from each stage. Prepare
// validates inputs cheaply before the stage enters its processing status;
// Execute does the work. Both classify failures with faults markers so the
// dispatcher can route between retry and dead-letter.
type Handler interface {
	Prepare(context.Context, *Request) error
	Execute(context.Context, *Request) error
}

// DecodePayload parses a job's payload column. A missing payload yields an
// empty current-version payload; a version mismatch is a validation fault.
func DecodePayload(raw string) (*Payload, error) {
	if raw == "" {
		return &Payload{Version: PayloadVersion}, nil
	}
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "", "decode payload", "malformed payload json", err)
	}
	if payload.Version != PayloadVersion {
		return nil, faults.Wrap(faults.ErrValidation, "", "decode payload",
			fmt.Sprintf("payload version %d, supported %d", payload.Version, PayloadVersion), nil)
	}
	return &payload, nil
}

// EncodePayload serializes a payload for storage on the job.
func EncodePayload(payload *Payload) (string, error) {
	if payload == nil {
		return "", nil
	}
	payload.Version = PayloadVersion
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(encoded), nil
}
