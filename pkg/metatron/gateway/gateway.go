// Package gateway exposes the admin HTTP API: session control, recent
// message inspection, and permission management. It is an operator
// surface, not a public one — bind it to localhost or set a token.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avi-rzv/metatron/pkg/metatron/store"
	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

// Config configures the gateway listener.
type Config struct {
	Listen          string
	Token           string
	ShutdownTimeout time.Duration
}

// Server serves the admin API.
type Server struct {
	cfg     Config
	session *wa.Session
	perms   store.PermissionStore
	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates a gateway server.
func New(cfg Config, session *wa.Session, perms store.PermissionStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		session: session,
		perms:   perms,
		logger:  logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/messages", s.handleMessages)

	mux.HandleFunc("GET /api/contacts", s.handleListContacts)
	mux.HandleFunc("POST /api/contacts", s.handleUpsertContact)
	mux.HandleFunc("DELETE /api/contacts/{phone}", s.handleDeleteContact)

	mux.HandleFunc("GET /api/groups", s.handleListGroups)
	mux.HandleFunc("POST /api/groups", s.handleUpsertGroup)
	mux.HandleFunc("DELETE /api/groups/{id}", s.handleDeleteGroup)
	mux.HandleFunc("GET /api/groups/available", s.handleAvailableGroups)

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.withMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Listen, "auth", s.cfg.Token != "")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// compareTokens performs timing-safe comparison by hashing both inputs with
// SHA-256 before calling ConstantTimeCompare to prevent length-based leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// withMiddleware applies security headers and bearer auth.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")

		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !compareTokens(got, s.cfg.Token) {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// ---------- session ----------

type statusResponse struct {
	State             wa.Status `json:"state"`
	QRCode            string    `json:"qr_code,omitempty"`
	PhoneNumber       string    `json:"phone_number,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:             s.session.Status(),
		QRCode:            s.session.QRCode(),
		PhoneNumber:       s.session.OwnPhoneNumber(),
		ReconnectAttempts: s.session.ReconnectAttempts(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Connect(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	wipe := r.URL.Query().Get("wipe") == "true"
	if err := s.session.Disconnect(wipe); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected", "wiped": wipe})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs := s.session.Buffer().Query(r.URL.Query().Get("address"), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// ---------- contact permissions ----------

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.perms.ListContacts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var rec store.ContactPermission
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec.PhoneNumber = wa.PhoneDigits(rec.PhoneNumber)
	if rec.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	if err := s.perms.UpsertContact(r.Context(), &rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	phone := wa.PhoneDigits(r.PathValue("phone"))
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if err := s.perms.DeleteContact(r.Context(), phone); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- group permissions ----------

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.perms.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	var rec store.GroupPermission
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if rec.GroupID == "" {
		writeError(w, http.StatusBadRequest, "group_id is required")
		return
	}
	if err := s.perms.UpsertGroup(r.Context(), &rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "group id is required")
		return
	}
	if err := s.perms.DeleteGroup(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAvailableGroups lists the groups the linked account participates
// in, for picking which ones to authorize.
func (s *Server) handleAvailableGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.session.ListGroups(r.Context())
	if err != nil {
		if errors.Is(err, wa.ErrNotConnected) {
			writeError(w, http.StatusConflict, "session is not connected")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
