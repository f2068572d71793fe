package httpapi

import (
	"net/http"
	"strings"
	"time"

	"canonid.io/internal/identity"
	"canonid.io/internal/obs"
)

type revokeGrantRequest struct {
	Justification string `json:"justification"`
}

type listGrantsResponse struct {
	Items []identity.AccessGrant `json:"items"`
	AsOf  time.Time              `json:"as_of"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrant(w, r)
	case http.MethodGet:
		a.listGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/access/grants/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/revoke") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/revoke"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeGrant(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getGrant(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	var req identity.GrantInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.directory.Grant(r.Context(), actor(r), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.ObserveSealed("Granted")
	_ = obs.LogEvent(r.Context(), "access.grant.create", map[string]any{
		"grant_id": grant.ID,
		"user_id":  grant.UserID,
		"resource": grant.Resource,
	})

	w.Header().Set("Location", "/v1/access/grants/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, id string) {
	grant, err := a.store.GetGrant(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	items, err := a.store.ListGrants(r.Context(), identity.GrantFilter{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Status: identity.GrantStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []identity.AccessGrant{}
	}
	writeJSON(w, http.StatusOK, listGrantsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, id string) {
	var req revokeGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Justification) == "" {
		writeError(w, r, http.StatusBadRequest, "justification is required")
		return
	}

	grant, err := a.directory.Revoke(r.Context(), actor(r), id, req.Justification)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.ObserveSealed("Revoked")
	_ = obs.LogEvent(r.Context(), "access.grant.revoke", map[string]any{
		"grant_id": grant.ID,
		"user_id":  grant.UserID,
	})

	writeJSON(w, http.StatusOK, grant)
}
