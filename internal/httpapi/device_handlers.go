package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"canonid.io/internal/identity"
)

type listDevicesResponse struct {
	Items []identity.Device `json:"items"`
	AsOf  time.Time         `json:"as_of"`
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerDevice(w, r)
	case http.MethodGet:
		a.listDevices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDeviceResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		dev, err := a.store.GetDevice(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, dev)
	case http.MethodDelete:
		if err := a.directory.RemoveDevice(r.Context(), id); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req identity.NewDeviceInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	dev, err := a.directory.RegisterDevice(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
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
	orphaned := false
	if raw := strings.TrimSpace(r.URL.Query().Get("orphaned")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "orphaned must be a boolean")
			return
		}
		orphaned = v
	}

	var items []identity.Device
	if orphaned {
		items, err = a.directory.OrphanedDevices(r.Context(), limit, offset)
	} else {
		items, err = a.store.ListDevices(r.Context(), identity.DeviceFilter{
			OwnerID: strings.TrimSpace(r.URL.Query().Get("owner_id")),
			Limit:   limit,
			Offset:  offset,
		})
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []identity.Device{}
	}
	writeJSON(w, http.StatusOK, listDevicesResponse{Items: items, AsOf: time.Now().UTC()})
}
