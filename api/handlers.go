/*
handlers.go - HTTP API handlers for the entitlement service

PURPOSE:
  Exposes the entitlement facade via REST so application processes can
  query gating state and drive purchase/restore out-of-process. Handles
  HTTP request/response, JSON serialization, and delegates to the
  facade.

ENDPOINTS:
  Entitlement:
    GET  /api/users/{id}/entitlement   Cached state (never hits network)
    GET  /api/users/{id}/intents       Queued intents for a user
    GET  /api/intents/{id}             One intent by ID

  Commands:
    POST /api/users/{id}/purchase      Enqueue purchase, bounded wait
    POST /api/users/{id}/restore       Enqueue restore, bounded wait

  Session:
    GET  /api/session                  Active user
    POST /api/session/signin           Switch active scope
    POST /api/session/signout          Clear active scope

  Admin:
    POST /api/admin/refresh            Force remote refresh for a user
    POST /api/admin/invalidate         Drop a user's cached snapshot
    POST /api/admin/connectivity       Signal connectivity change

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 202: Command accepted but still pending (NOT an error)
  - 502: Billing provider rejected or unreachable during refresh
  - 500: Internal errors

IDEMPOTENCY:
  POST /purchase honors an Idempotency-Key header. Retrying the same
  key returns a handle on the existing intent instead of enqueueing a
  second one.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/entitlement-engine/entitlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *entitlement.Service
	Engine  *entitlement.Engine
}

// NewHandler creates a new handler.
func NewHandler(service *entitlement.Service, engine *entitlement.Engine) *Handler {
	return &Handler{Service: service, Engine: engine}
}

// =============================================================================
// ENTITLEMENT QUERIES
// =============================================================================

// GetEntitlement returns the cached entitlement for a user.
// GET /api/users/{id}/entitlement
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := entitlement.UserID(chi.URLParam(r, "id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required", nil)
		return
	}

	snap, err := h.Service.State(r.Context(), userID)
	if errors.Is(err, entitlement.ErrSnapshotNotFound) {
		// Fail-closed default: absent data reads as tier none.
		writeJSON(w, http.StatusOK, EntitlementDTO{
			UserID:        string(userID),
			EffectiveTier: string(entitlement.TierNone),
			Cached:        false,
		})
		return
	}
	if err != nil {
		// Unreadable store also reads as tier none; QueryState queues
		// the recovery refetch.
		_ = h.Service.QueryState(r.Context(), userID)
		writeJSON(w, http.StatusOK, EntitlementDTO{
			UserID:        string(userID),
			EffectiveTier: string(entitlement.TierNone),
			Cached:        false,
		})
		return
	}

	writeJSON(w, http.StatusOK, toEntitlementDTO(userID, snap, time.Now()))
}

// ListIntents returns a user's queued intents.
// GET /api/users/{id}/intents
func (h *Handler) ListIntents(w http.ResponseWriter, r *http.Request) {
	userID := entitlement.UserID(chi.URLParam(r, "id"))
	intents, err := h.Service.Intents(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list intents", err)
		return
	}

	dtos := make([]IntentDTO, 0, len(intents))
	for _, in := range intents {
		dtos = append(dtos, toIntentDTO(in))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetIntent returns one intent.
// GET /api/intents/{id}
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intentID := entitlement.IntentID(chi.URLParam(r, "id"))
	in, err := h.Service.Intent(r.Context(), intentID)
	if entitlement.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "intent not found", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load intent", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntentDTO(in))
}

// =============================================================================
// COMMANDS
// =============================================================================

// Purchase enqueues a purchase intent and waits up to the bounded
// command wait for a terminal result.
// POST /api/users/{id}/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := entitlement.UserID(chi.URLParam(r, "id"))

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id required", nil)
		return
	}

	var (
		handle *entitlement.Handle
		err    error
	)
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		handle, err = h.Service.PurchaseWithKey(r.Context(), userID, entitlement.ProductID(req.ProductID), entitlement.IntentID(key))
	} else {
		handle, err = h.Service.Purchase(r.Context(), userID, entitlement.ProductID(req.ProductID))
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to enqueue purchase", err)
		return
	}

	h.awaitHandle(w, r, handle)
}

// Restore enqueues a restore intent with the same contract as Purchase.
// POST /api/users/{id}/restore
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	userID := entitlement.UserID(chi.URLParam(r, "id"))

	handle, err := h.Service.Restore(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to enqueue restore", err)
		return
	}

	h.awaitHandle(w, r, handle)
}

// awaitHandle maps a handle result onto HTTP. Still-pending is 202, a
// billing rejection is 402 with the reason, success is 200 with the
// new tier.
func (h *Handler) awaitHandle(w http.ResponseWriter, r *http.Request, handle *entitlement.Handle) {
	res, err := handle.Wait(r.Context())

	switch {
	case errors.Is(err, entitlement.ErrStillPending):
		// Not a failure: background retry continues.
		writeJSON(w, http.StatusAccepted, CommandResponse{
			IntentID: string(handle.IntentID),
			Status:   string(entitlement.StatusPending),
		})
	case err != nil:
		writeJSON(w, http.StatusPaymentRequired, CommandResponse{
			IntentID: string(handle.IntentID),
			Status:   string(entitlement.StatusFailed),
			Failure:  err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, CommandResponse{
			IntentID: string(res.IntentID),
			Status:   string(res.Status),
			Tier:     string(res.Tier),
		})
	}
}

// =============================================================================
// SESSION
// =============================================================================

// GetSession returns the active user.
// GET /api/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionDTO{UserID: string(h.Service.ActiveUser())})
}

// SignIn switches the active scope.
// POST /api/session/signin
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required", nil)
		return
	}

	h.Service.OnSignIn(entitlement.UserID(req.UserID))
	writeJSON(w, http.StatusOK, SessionDTO{UserID: req.UserID})
}

// SignOut clears the active scope. Cached entitlements are kept.
// POST /api/session/signout
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.Service.OnSignOut()
	writeJSON(w, http.StatusOK, SessionDTO{})
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerRefresh forces a remote refresh for one user.
// POST /api/admin/refresh
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required", nil)
		return
	}

	if err := h.Engine.Refresh(r.Context(), entitlement.UserID(req.UserID)); err != nil {
		writeError(w, http.StatusBadGateway, "refresh failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// Invalidate drops a user's cached snapshot (refund/fraud signal).
// POST /api/admin/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required", nil)
		return
	}

	if err := h.Engine.Invalidate(r.Context(), entitlement.UserID(req.UserID)); err != nil {
		writeError(w, http.StatusInternalServerError, "invalidate failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// SetConnectivity signals a connectivity change to the engine.
// POST /api/admin/connectivity
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	h.Engine.SetConnectivity(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
