package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"canonid.io/internal/audit"
	"canonid.io/internal/identity"
	"canonid.io/internal/merge"
	"canonid.io/internal/obs"
	"canonid.io/internal/stream"
)

// ReadyProbe checks backing-store readiness (pings the database when present).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the directory, merge engine and audit ledger.
type API struct {
	mux        *http.ServeMux
	store      identity.Store
	directory  *identity.Service
	merger     *merge.Engine
	sealer     *audit.Sealer
	feed       *stream.Feed
	readyProbe ReadyProbe
	version    string
}

func New(store identity.Store, directory *identity.Service, merger *merge.Engine, sealer *audit.Sealer, feed *stream.Feed, rp ReadyProbe, version string) *API {
	if feed == nil {
		feed = stream.New()
	}
	a := &API{
		mux:        http.NewServeMux(),
		store:      store,
		directory:  directory,
		merger:     merger,
		sealer:     sealer,
		feed:       feed,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// directory
	a.mux.HandleFunc("/v1/identities", a.handleIdentitiesCollection)
	a.mux.HandleFunc("/v1/identities/", a.handleIdentityResource)
	a.mux.HandleFunc("/v1/devices", a.handleDevices)
	a.mux.HandleFunc("/v1/devices/", a.handleDeviceResource)

	// access grants
	a.mux.HandleFunc("/v1/access/grants", a.handleGrantsCollection)
	a.mux.HandleFunc("/v1/access/grants/", a.handleGrantResource)

	// merge
	a.mux.HandleFunc("/v1/merge/preview", a.handleMergePreview)
	a.mux.HandleFunc("/v1/merge/execute", a.handleMergeExecute)

	// audit
	a.mux.HandleFunc("/v1/audit/records", a.handleAuditRecords)
	a.mux.HandleFunc("/v1/audit/seal", a.handleAuditSeal)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)
	a.mux.HandleFunc("/v1/audit/stream", a.AuditStream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "canonid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "canonid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps sentinel errors from the domain packages onto HTTP
// statuses. Conflicts of any flavor (merge conflicts, lock contention, chain
// tail movement) answer 409.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var conflictErr *merge.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		payload := map[string]any{
			"error":             conflictErr.Error(),
			"unresolved_fields": conflictErr.Fields,
		}
		if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusConflict, payload)
	case errors.Is(err, identity.ErrInvalidInput), errors.Is(err, merge.ErrInvalidPlan), errors.Is(err, audit.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, merge.ErrConflict),
		errors.Is(err, identity.ErrConcurrentModification),
		errors.Is(err, audit.ErrChainConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrIntegrity):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
