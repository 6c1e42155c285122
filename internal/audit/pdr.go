// Package audit records Process Decision Records: one row per policy
// decision, approval resolution and transaction outcome.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/airlock/internal/models"
)

// Actions recorded by the orchestrator.
const (
	ActionPlan        = "plan"
	ActionDecision    = "policy.decision"
	ActionApproval    = "approval.resolve"
	ActionTransaction = "transaction"
	ActionPolicy      = "policy.update"
	ActionExecution   = "execution"
	ActionDispatch    = "task.dispatch"
)

// Sink persists PDR rows. *store.Store implements it.
type Sink interface {
	WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails. A nil writer
// records nothing.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry. inputs are hashed, not stored.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	return w.sink.WritePDR(action, HashInputs(inputs), outcome, taskID, details)
}

// HashInputs returns the hex SHA256 of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
