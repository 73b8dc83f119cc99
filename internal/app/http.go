package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"inkwell/sync/internal/auth"
)

const maxBlobBytes = 10 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The connect token is the access control; the browser
			// origin is not.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Methods(http.MethodGet).Path("/sync/{documentId}").HandlerFunc(s.handleSync)

	r.Methods(http.MethodGet, http.MethodHead).Path("/api/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet, http.MethodHead).Path("/api/ready").HandlerFunc(s.handleReady)
	r.Methods(http.MethodPost).Path("/api/tokens").HandlerFunc(s.handleMintToken)

	r.Methods(http.MethodGet).Path("/api/documents/{documentId}/blob/{kind}").HandlerFunc(s.handleFetchBlob)
	r.Methods(http.MethodPut).Path("/api/documents/{documentId}/blob/{kind}").HandlerFunc(s.handleStoreBlob)
	r.Methods(http.MethodGet).Path("/api/documents/{documentId}/collaborators").HandlerFunc(s.handleCollaborators)

	return s.withMiddleware(r)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Issuer-Key")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Hijacked (websocket) responses cannot go through the
		// metrics wrapper.
		if strings.HasPrefix(r.URL.Path, "/sync/") {
			next.ServeHTTP(w, r)
			return
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

// connectToken pulls the bearer token from the places clients put it:
// a query parameter on websocket connects, the Authorization header on
// plain HTTP calls.
func connectToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// handleSync is the collaborative endpoint: auth gate first, then the
// websocket upgrade, then the sync session until the socket closes.
// Every failure before the upgrade is a generic 401; internals are
// never echoed to an unauthenticated peer.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]

	grant, err := s.service.Authenticate(connectToken(r), documentID)
	if err != nil {
		slog.Warn("rejected sync connection", "document", documentID, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "document", documentID, "err", err)
		return
	}
	defer conn.Close()

	if err := s.service.RunSession(r.Context(), conn, documentID, grant); err != nil {
		slog.Error("sync session failed", "document", documentID, "err", err)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentID string `json:"documentId"`
		UserID     string `json:"userId"`
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	token, err := s.service.MintToken(r.Header.Get("X-Issuer-Key"), body.DocumentID, body.UserID, auth.Permission(body.Permission))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// authorizeRequest gates the plain HTTP document endpoints with the
// same connect tokens as the sync endpoint.
func (s *HTTPServer) authorizeRequest(w http.ResponseWriter, r *http.Request, documentID string, needWrite bool) (auth.Grant, bool) {
	grant, err := s.service.Authenticate(connectToken(r), documentID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return auth.Grant{}, false
	}
	if needWrite && !grant.CanWrite() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden")
		return auth.Grant{}, false
	}
	return grant, true
}

func (s *HTTPServer) handleFetchBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentID, kind := vars["documentId"], vars["kind"]
	if _, ok := s.authorizeRequest(w, r, documentID, false); !ok {
		return
	}

	content, found, err := s.service.FetchBlob(r.Context(), documentID, kind)
	if err != nil {
		slog.Error("blob fetch failed", "document", documentID, "kind", kind, "err", err)
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Storage error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *HTTPServer) handleStoreBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentID, kind := vars["documentId"], vars["kind"]
	if _, ok := s.authorizeRequest(w, r, documentID, true); !ok {
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "Blob too large")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}
	if err := s.service.StoreBlob(r.Context(), documentID, kind, content); err != nil {
		slog.Error("blob store failed", "document", documentID, "kind", kind, "err", err)
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "Storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCollaborators(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	if _, ok := s.authorizeRequest(w, r, documentID, false); !ok {
		return
	}

	collaborators, err := s.service.Collaborators(r.Context(), documentID)
	if err != nil {
		slog.Error("collaborator list failed", "document", documentID, "err", err)
		writeError(w, http.StatusInternalServerError, "PRESENCE_ERROR", "Presence error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborators": collaborators})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
