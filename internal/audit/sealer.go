package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const hashHexLen = sha256.Size * 2

// Sealer turns mutable audit drafts into immutable, independently verifiable
// records and checks previously sealed records and chains. Verification never
// mutates state and is safe to run concurrently.
type Sealer struct {
	keys KeyProvider
	now  func() time.Time
}

// SealerOption configures Sealer behavior.
type SealerOption func(*Sealer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SealerOption {
	return func(s *Sealer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSealer constructs a Sealer bound to a key handle.
func NewSealer(keys KeyProvider, opts ...SealerOption) (*Sealer, error) {
	if keys == nil || len(keys.Key()) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrValidation)
	}
	s := &Sealer{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// hashEnvelope fixes the canonical field set and ordering for record hashing.
// record_hash, signature, is_sealed and sealed_at are excluded to avoid
// circularity. Map values serialize with sorted keys, so two field-wise
// identical drafts always produce identical bytes.
type hashEnvelope struct {
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Action      Action         `json:"action"`
	Actor       string         `json:"actor"`
	OccurredAt  string         `json:"occurred_at"`
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
}

// ComputeRecordHash derives the SHA-256 content hash over the record's
// business fields in canonical form. occurred_at enters the envelope at
// microsecond precision, the resolution of a timestamptz column, so a record
// hashes identically before and after a database round-trip.
func ComputeRecordHash(rec Record) (string, error) {
	if err := validateDraft(rec); err != nil {
		return "", err
	}
	payload, err := json.Marshal(hashEnvelope{
		SubjectType: rec.SubjectType,
		SubjectID:   rec.SubjectID,
		Action:      rec.Action,
		Actor:       rec.Actor,
		OccurredAt:  rec.OccurredAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		Before:      rec.Before,
		After:       rec.After,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Sign computes the deterministic HMAC-SHA256 signature over a record hash.
func (s *Sealer) Sign(recordHash string) string {
	mac := hmac.New(sha256.New, s.keys.Key())
	mac.Write([]byte(recordHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal finalizes a draft: content hash, chain link, signature, sealed flag.
// previousHash is the scope tail at sealing time; empty means the chain
// genesis. A malformed previousHash is a caller bug and fails immediately
// with ErrIntegrity, before any state is touched.
func (s *Sealer) Seal(draft Record, previousHash string) (Record, error) {
	if err := validateDraft(draft); err != nil {
		return Record{}, err
	}
	if draft.Sealed {
		return Record{}, fmt.Errorf("%w: record is already sealed", ErrValidation)
	}
	if !validHashFormat(previousHash) {
		return Record{}, fmt.Errorf("%w: malformed previous hash %q", ErrIntegrity, previousHash)
	}
	hash, err := ComputeRecordHash(draft)
	if err != nil {
		return Record{}, err
	}
	sealed := draft
	sealed.RecordHash = hash
	sealed.PreviousHash = previousHash
	sealed.Signature = s.Sign(hash)
	sealed.Sealed = true
	sealed.SealedAt = s.now().UTC()
	return sealed, nil
}

// Reason classifies a verification failure.
type Reason string

const (
	ReasonHashMismatch      Reason = "HashMismatch"
	ReasonSignatureMismatch Reason = "SignatureMismatch"
	ReasonNotSealed         Reason = "NotSealed"
	ReasonBrokenLink        Reason = "BrokenLink"
)

// VerificationResult reports whether a sealed record is intact.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
}

// Verify recomputes the hash from the record's current field values and the
// signature from hash plus key, comparing both against the stored values.
func (s *Sealer) Verify(rec Record) VerificationResult {
	if !rec.Sealed {
		return VerificationResult{Valid: false, Reason: ReasonNotSealed}
	}
	hash, err := ComputeRecordHash(rec)
	if err != nil || hash != rec.RecordHash {
		return VerificationResult{Valid: false, Reason: ReasonHashMismatch}
	}
	expected := s.Sign(hash)
	if !hmac.Equal([]byte(expected), []byte(rec.Signature)) {
		return VerificationResult{Valid: false, Reason: ReasonSignatureMismatch}
	}
	return VerificationResult{Valid: true}
}

// ChainBreak locates one broken link in a verified sequence.
type ChainBreak struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Reason   Reason `json:"reason"`
}

// ChainVerificationResult reports chain integrity over an ordered sequence.
type ChainVerificationResult struct {
	Valid   bool         `json:"valid"`
	Checked int          `json:"checked"`
	Breaks  []ChainBreak `json:"breaks,omitempty"`
}

// VerifyChain verifies each record individually and then checks that every
// record's previous_hash equals the record_hash of its predecessor in the
// given ordering. With failFast set the first break stops the scan; otherwise
// all breaks are collected for a full report.
func (s *Sealer) VerifyChain(records []Record, failFast bool) ChainVerificationResult {
	result := ChainVerificationResult{Valid: true, Checked: len(records)}
	for i, rec := range records {
		if res := s.Verify(rec); !res.Valid {
			result.Valid = false
			result.Breaks = append(result.Breaks, ChainBreak{Index: i, RecordID: rec.ID, Reason: res.Reason})
			if failFast {
				return result
			}
			continue
		}
		if i > 0 && rec.PreviousHash != records[i-1].RecordHash {
			result.Valid = false
			result.Breaks = append(result.Breaks, ChainBreak{Index: i, RecordID: rec.ID, Reason: ReasonBrokenLink})
			if failFast {
				return result
			}
		}
	}
	return result
}

func validateDraft(rec Record) error {
	if strings.TrimSpace(rec.SubjectType) == "" || strings.TrimSpace(rec.SubjectID) == "" {
		return fmt.Errorf("%w: subject type and id are required", ErrValidation)
	}
	if rec.Action == "" {
		return fmt.Errorf("%w: action is required", ErrValidation)
	}
	if rec.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrValidation)
	}
	return nil
}

func validHashFormat(h string) bool {
	if h == "" {
		return true
	}
	if len(h) != hashHexLen {
		return false
	}
	if _, err := hex.DecodeString(h); err != nil {
		return false
	}
	return true
}
