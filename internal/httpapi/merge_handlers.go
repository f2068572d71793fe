package httpapi

import (
	"net/http"
	"strings"

	"canonid.io/internal/merge"
	"canonid.io/internal/obs"
)

type mergePreviewRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

type mergeExecuteRequest struct {
	Plan        merge.Plan        `json:"plan"`
	Resolutions merge.Resolutions `json:"resolutions"`
}

func (a *API) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req mergePreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := a.merger.Preview(r.Context(), strings.TrimSpace(req.SourceID), strings.TrimSpace(req.TargetID))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleMergeExecute applies a previously previewed plan. The conflicts the
// caller must resolve are the ones in the submitted plan; they are not
// re-derived here, so a caller always resolves exactly what it was shown.
func (a *API) handleMergeExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req mergeExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.merger.Execute(r.Context(), req.Plan, req.Resolutions)
	if err != nil {
		obs.ObserveMerge(mergeOutcome(err))
		handleDomainError(w, r, err)
		return
	}

	obs.ObserveMerge("applied")
	obs.ObserveSealed("Merged")
	_ = obs.LogEvent(r.Context(), "identity.merge.execute", map[string]any{
		"source_id":       result.SourceID,
		"target_id":       result.Target.ID,
		"moved_children":  result.MovedChildren,
		"audit_record_id": result.AuditRecordID,
	})

	writeJSON(w, http.StatusOK, result)
}

func mergeOutcome(err error) string {
	switch {
	case merge.IsConflict(err):
		return "conflict"
	default:
		return "rejected"
	}
}
