// Package audit provides PDR (Process Decision Record) writing for agentpool.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
)

// Sink persists PDR entries.
type Sink interface {
	WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger zerolog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Sink, logger zerolog.Logger) *PDRWriter {
	return &PDRWriter{sink: sink, logger: logger.With().Str("component", "audit").Logger()}
}

// Record writes a PDR entry for a state-mutating action. Failures are logged
// and returned; callers on hot paths may ignore them. A nil writer records
// nothing.
func (w *PDRWriter) Record(action string, inputs any, outcome, taskID, details string) (*models.PDREntry, error) {
	if w == nil {
		return nil, nil
	}
	entry, err := w.sink.WritePDR(action, hashInputs(inputs), outcome, taskID, details)
	if err != nil {
		w.logger.Warn().Err(err).Str("action", action).Str("task_id", taskID).Msg("write pdr failed")
	}
	return entry, err
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
