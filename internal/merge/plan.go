package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"canonid.io/internal/identity"
)

var (
	// ErrConflict marks an execute attempt with unresolved field conflicts.
	ErrConflict = errors.New("merge: unresolved field conflicts")
	// ErrInvalidPlan marks a malformed plan or resolution set.
	ErrInvalidPlan = errors.New("merge: invalid plan")
)

// ConflictError reports which conflicting fields lack an explicit resolution.
// Ambiguity is caller-resolved, never engine-guessed.
type ConflictError struct {
	Fields []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge: unresolved field conflicts: %s", strings.Join(e.Fields, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IsConflict reports whether err is an unresolved-conflict failure.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// mergeableFields are the identity attributes a merge may carry over from the
// source. Email stays with the target (it is the unique key of the surviving
// record) and the target's display name is canonical by construction.
var mergeableFields = []string{"department", "role", "manager", "location"}

func isMergeableField(name string) bool {
	for _, f := range mergeableFields {
		if f == name {
			return true
		}
	}
	return false
}

// ChildRef names one child record that a merge would re-parent.
type ChildRef struct {
	Kind identity.ChildKind `json:"kind"`
	ID   string             `json:"id"`
	Name string             `json:"name,omitempty"`
}

// FieldConflict is a field where source and target hold different non-empty
// values, requiring an explicit caller decision.
type FieldConflict struct {
	Field       string `json:"field"`
	SourceValue string `json:"source_value"`
	TargetValue string `json:"target_value"`
}

// Plan is the proposed, not-yet-applied description of a merge. It is an
// ephemeral contract between preview and execute, serializable for transport,
// never persisted.
type Plan struct {
	SourceID  string          `json:"source_id"`
	TargetID  string          `json:"target_id"`
	AsOf      time.Time       `json:"as_of"`
	Reparent  []ChildRef      `json:"reparent"`
	Conflicts []FieldConflict `json:"conflicts"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// Resolutions maps a field name to the value the caller chose for the target.
type Resolutions map[string]string

// Result summarizes an executed merge.
type Result struct {
	Target        identity.Identity `json:"target"`
	SourceID      string            `json:"source_id"`
	MovedChildren int               `json:"moved_children"`
	AuditRecordID string            `json:"audit_record_id"`
}

func fieldValue(ident identity.Identity, field string) string {
	switch field {
	case "department":
		return ident.Department
	case "role":
		return ident.Role
	case "manager":
		return ident.Manager
	case "location":
		return ident.Location
	}
	return ""
}

func setFieldValue(ident *identity.Identity, field, value string) {
	switch field {
	case "department":
		ident.Department = value
	case "role":
		ident.Role = value
	case "manager":
		ident.Manager = value
	case "location":
		ident.Location = value
	}
}

func diffFields(source, target identity.Identity) []FieldConflict {
	var out []FieldConflict
	for _, field := range mergeableFields {
		sv, tv := fieldValue(source, field), fieldValue(target, field)
		if sv != "" && tv != "" && sv != tv {
			out = append(out, FieldConflict{Field: field, SourceValue: sv, TargetValue: tv})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
