package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nuid"
	"github.com/tasklane/platform/internal/app/identity"
	"github.com/tasklane/platform/internal/contracts"
	platformauth "github.com/tasklane/platform/internal/platform/auth"
)

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	AllowedOrigin string
}

func NewHandler(service *Service, identitySvc *identity.Service, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Use(correlationMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/tasks", h.handleCreateTask)
		authR.Get("/api/v1/tasks", h.handleListTasks)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGetTask)
		authR.Patch("/api/v1/tasks/{taskID}", h.handleUpdateTask)
		authR.Post("/api/v1/tasks/{taskID}/complete", h.handleCompleteTask)
		authR.Delete("/api/v1/tasks/{taskID}", h.handleDeleteTask)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// taskResponse pairs the persisted task with the event_id of the change
// it caused, so the client can suppress its own gateway echo.
type taskResponse struct {
	Task    contracts.TaskSnapshot `json:"task"`
	EventID string                 `json:"event_id,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, eventID, err := h.Service.Create(r.Context(), claims.Subject, correlationFromContext(r.Context()), req)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, taskResponse{Task: task.Snapshot(), EventID: eventID})
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := h.Service.List(r.Context(), claims.Subject, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshots := make([]contracts.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snapshots = append(snapshots, t.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": snapshots})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	task, err := h.Service.Get(r.Context(), claims.Subject, chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse{Task: task.Snapshot()})
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, eventID, err := h.Service.Update(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), correlationFromContext(r.Context()), req)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse{Task: task.Snapshot(), EventID: eventID})
}

func (h *Handler) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	task, eventID, err := h.Service.Complete(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), correlationFromContext(r.Context()))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse{Task: task.Snapshot(), EventID: eventID})
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	eventID, err := h.Service.Delete(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), correlationFromContext(r.Context()))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
}

func (h *Handler) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTitleRequired), errors.Is(err, ErrInvalidPriority), errors.Is(err, ErrInvalidRule):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrForbidden):
		// A foreign task reads as absent so IDs cannot be probed.
		h.writeError(w, http.StatusNotFound, "task not found")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

type correlationContextKey struct{}

// correlationMiddleware assigns every request a correlation id, reusing
// the caller's X-Correlation-ID when present. The id rides on every
// event the request produces and comes back on the response header.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
		if correlationID == "" {
			correlationID = nuid.Next()
		}
		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := context.WithValue(r.Context(), correlationContextKey{}, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func correlationFromContext(ctx context.Context) string {
	correlationID, _ := ctx.Value(correlationContextKey{}).(string)
	return correlationID
}
