package audit

import (
	"errors"
	"time"
)

// Action is the kind of change an audit record attests to.
type Action string

const (
	ActionCreated  Action = "Created"
	ActionGranted  Action = "Granted"
	ActionRevoked  Action = "Revoked"
	ActionModified Action = "Modified"
	ActionMerged   Action = "Merged"
	ActionReviewed Action = "Reviewed"
	ActionDisabled Action = "Disabled"
)

var (
	ErrValidation    = errors.New("audit: invalid record")
	ErrIntegrity     = errors.New("audit: integrity violation")
	ErrChainConflict = errors.New("audit: chain tail moved")
)

// Record is an immutable fact about a change to identity or access state.
// A record is created unsealed, sealed exactly once at persistence time, and
// never mutated afterwards. Any amendment requires a new compensating record.
type Record struct {
	ID          string         `json:"id"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Action      Action         `json:"action"`
	Actor       string         `json:"actor"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`

	RecordHash   string    `json:"record_hash,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	Signature    string    `json:"signature,omitempty"`
	Sealed       bool      `json:"is_sealed"`
	SealedAt     time.Time `json:"sealed_at"`
}

// Subject identifies one hash-chain scope. Chains are kept per subject so
// unrelated writers never contend on a single global tail.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// KeyProvider hands out the HMAC secret by reference. The sealer never reads
// raw key material from configuration itself.
type KeyProvider interface {
	Key() []byte
}

// StaticKey is a KeyProvider backed by an in-memory secret.
type StaticKey []byte

// Key returns the secret bytes.
func (k StaticKey) Key() []byte { return k }
