package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"canonid.io/internal/audit"
	"canonid.io/internal/identity"
	"canonid.io/internal/ids"
	"canonid.io/internal/obs"
)

type sealRecordRequest struct {
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Action      string         `json:"action"`
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
}

type verifyChainRequest struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	FailFast    bool   `json:"fail_fast"`
}

type listRecordsResponse struct {
	Items []recordWithVerdict `json:"items"`
	AsOf  time.Time           `json:"as_of"`
}

type recordWithVerdict struct {
	audit.Record
	Verification *audit.VerificationResult `json:"verification,omitempty"`
}

func (a *API) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	subjectType := strings.TrimSpace(r.URL.Query().Get("subject_type"))
	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectType == "" || subjectID == "" {
		writeError(w, r, http.StatusBadRequest, "subject_type and subject_id are required")
		return
	}
	verify := false
	if raw := strings.TrimSpace(r.URL.Query().Get("verify")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "verify must be a boolean")
			return
		}
		verify = v
	}

	records, err := a.store.ListRecords(r.Context(), subjectType, subjectID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	items := make([]recordWithVerdict, 0, len(records))
	for _, rec := range records {
		item := recordWithVerdict{Record: rec}
		if verify {
			verdict := a.sealer.Verify(rec)
			item.Verification = &verdict
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Items: items, AsOf: time.Now().UTC()})
}

// handleAuditSeal records an out-of-band fact (a manual review, a correction
// note) as a sealed record on the subject's chain. The tail read, seal and
// append run in one store transaction.
func (a *API) handleAuditSeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req sealRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	draft := audit.Record{
		ID:          ids.New(),
		SubjectType: strings.TrimSpace(req.SubjectType),
		SubjectID:   strings.TrimSpace(req.SubjectID),
		Action:      audit.Action(strings.TrimSpace(req.Action)),
		Actor:       actor(r),
		OccurredAt:  time.Now().UTC(),
		Before:      req.Before,
		After:       req.After,
	}

	var sealed audit.Record
	err := a.store.InTx(r.Context(), func(tx identity.Store) error {
		var err error
		sealed, err = audit.NewLedger(a.sealer, tx).SealEvent(r.Context(), draft)
		return err
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.announce(sealed)
	obs.ObserveSealed(string(sealed.Action))
	_ = obs.LogEvent(r.Context(), "audit.record.seal", map[string]any{
		"record_id":    sealed.ID,
		"subject_type": sealed.SubjectType,
		"subject_id":   sealed.SubjectID,
		"action":       string(sealed.Action),
	})

	writeJSON(w, http.StatusCreated, sealed)
}

// handleAuditVerify walks chains link by link. With a subject it checks that
// one chain; without, it checks every known chain and reports per subject.
func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req verifyChainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ledger := audit.NewLedger(a.sealer, a.store)
	subjectType := strings.TrimSpace(req.SubjectType)
	subjectID := strings.TrimSpace(req.SubjectID)

	if (subjectType == "") != (subjectID == "") {
		writeError(w, r, http.StatusBadRequest, "subject_type and subject_id must be provided together")
		return
	}

	if subjectType != "" {
		result, err := ledger.VerifySubject(r.Context(), subjectType, subjectID, req.FailFast)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		if !result.Valid {
			obs.ObserveChainFailure()
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	reports, err := ledger.VerifyAll(r.Context(), req.FailFast)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	for _, report := range reports {
		if !report.Result.Valid {
			obs.ObserveChainFailure()
			break
		}
	}
	if reports == nil {
		reports = []audit.SubjectChainReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"as_of":   time.Now().UTC(),
	})
}
