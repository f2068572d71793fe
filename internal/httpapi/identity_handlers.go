package httpapi

import (
	"net/http"
	"strings"
	"time"

	"canonid.io/internal/identity"
	"canonid.io/internal/obs"
)

type listIdentitiesResponse struct {
	Items []identity.Identity `json:"items"`
	AsOf  time.Time           `json:"as_of"`
}

func (a *API) handleIdentitiesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createIdentity(w, r)
	case http.MethodGet:
		a.listIdentities(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/children") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/children"), "/")
		if id == "" || r.Method != http.MethodGet {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.identityChildren(w, r, id)
		return
	}
	if strings.HasSuffix(path, "/disable") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/disable"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.disableIdentity(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getIdentity(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createIdentity(w http.ResponseWriter, r *http.Request) {
	var req identity.NewIdentityInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ident, err := a.directory.CreateIdentity(r.Context(), actor(r), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.ObserveSealed("Created")
	_ = obs.LogEvent(r.Context(), "identity.create", map[string]any{
		"identity_id": ident.ID,
		"email":       ident.Email,
	})

	w.Header().Set("Location", "/v1/identities/"+ident.ID)
	writeJSON(w, http.StatusCreated, ident)
}

// getIdentity returns the record as stored. A Merged identity answers with a
// Location header naming the canonical record so clients can follow the
// redirect; the retired record itself stays readable.
func (a *API) getIdentity(w http.ResponseWriter, r *http.Request, id string) {
	ident, err := a.directory.Lookup(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if ident.Status == identity.StatusMerged && ident.MergedInto != "" {
		w.Header().Set("Location", "/v1/identities/"+ident.MergedInto)
	}
	writeJSON(w, http.StatusOK, ident)
}

func (a *API) listIdentities(w http.ResponseWriter, r *http.Request) {
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

	items, err := a.directory.List(r.Context(), identity.IdentityFilter{
		Department: strings.TrimSpace(r.URL.Query().Get("department")),
		Status:     identity.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []identity.Identity{}
	}
	writeJSON(w, http.StatusOK, listIdentitiesResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) identityChildren(w http.ResponseWriter, r *http.Request, id string) {
	children, err := a.directory.ChildrenOf(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (a *API) disableIdentity(w http.ResponseWriter, r *http.Request, id string) {
	ident, err := a.directory.Disable(r.Context(), actor(r), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.ObserveSealed("Disabled")
	_ = obs.LogEvent(r.Context(), "identity.disable", map[string]any{
		"identity_id": ident.ID,
	})
	writeJSON(w, http.StatusOK, ident)
}
