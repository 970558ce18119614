package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"kitesync/internal/config"
	"kitesync/internal/domain"
	"kitesync/internal/integrations/kite"
	"kitesync/internal/service/session"
	"kitesync/internal/service/syncer"
	storepkg "kitesync/internal/store"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

type Server struct {
	cfg      config.Config
	store    storepkg.Store
	sessions *session.Manager
	syncer   *syncer.Syncer
}

func NewServer(
	cfg config.Config,
	store storepkg.Store,
	sessions *session.Manager,
	sync *syncer.Syncer,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		syncer:   sync,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Post("/admin/logout", s.handleAdminLogout)

		protected.Post("/accounts", s.handleCreateAccount)
		protected.Get("/accounts", s.handleListAccounts)
		protected.Get("/accounts/{id}", s.handleGetAccount)
		protected.Delete("/accounts/{id}", s.handleDeleteAccount)
		protected.Put("/accounts/{id}/token", s.handleSetRequestToken)

		protected.Post("/accounts/{id}/sync/holdings", s.handleSyncHoldings)
		protected.Post("/accounts/{id}/sync/positions", s.handleSyncPositions)
		protected.Post("/accounts/{id}/sync/margins", s.handleSyncMargins)
		protected.Post("/sync", s.handleSyncAll)

		protected.Get("/accounts/{id}/holdings", s.handleListHoldings)
		protected.Get("/accounts/{id}/positions", s.handleListPositions)
		protected.Get("/accounts/{id}/margins", s.handleGetMargins)

		protected.Get("/session/health", s.handleSessionHealth)
		protected.Post("/session/reset", s.handleSessionReset)

		protected.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		APIKey       string `json:"api_key"`
		APISecret    string `json:"api_secret"`
		RequestToken string `json:"request_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.APIKey == "" || req.APISecret == "" {
		writeError(w, http.StatusBadRequest, "name, api_key and api_secret are required")
		return
	}

	acct, err := s.store.CreateAccount(domain.Account{
		Name:         req.Name,
		APIKey:       req.APIKey,
		APISecret:    req.APISecret,
		RequestToken: req.RequestToken,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"account":   acct,
		"login_url": kite.LoginURL(acct.APIKey),
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.store.ListAccounts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":   acct,
		"login_url": kite.LoginURL(acct.APIKey),
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteAccount(id); err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetRequestToken(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		RequestToken string `json:"request_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestToken == "" {
		writeError(w, http.StatusBadRequest, "request_token is required")
		return
	}
	if err := s.store.SetRequestToken(acct.ID, req.RequestToken); err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	// The new token is single-use; drop any session built on the old one so
	// the next sync exchanges it.
	s.sessions.ResetSession()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSyncHoldings(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	evt, err := s.syncer.SyncHoldings(r.Context(), acct)
	if err != nil {
		s.writeSyncError(w, acct, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event": evt})
}

func (s *Server) handleSyncPositions(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	evt, err := s.syncer.SyncPositions(r.Context(), acct)
	if err != nil {
		s.writeSyncError(w, acct, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event": evt})
}

func (s *Server) handleSyncMargins(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	evt, err := s.syncer.SyncMargins(r.Context(), acct)
	if err != nil {
		s.writeSyncError(w, acct, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event": evt})
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	events := s.syncer.SyncAll(r.Context())
	failed := 0
	for _, evt := range events {
		if evt.Status == domain.SyncStatusFailed {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"failed": failed,
	})
}

func (s *Server) handleListHoldings(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	holdings := s.store.ListHoldings(acct.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"holdings": holdings,
		"count":    len(holdings),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	positions := s.store.ListPositions(acct.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleGetMargins(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	snap, err := s.store.GetMarginSnapshot(acct.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no margin snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"margins": snap})
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Health())
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	s.sessions.ResetSession()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	events := s.store.ListSyncEvents(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) accountFromPath(w http.ResponseWriter, r *http.Request) (domain.Account, bool) {
	id := chi.URLParam(r, "id")
	acct, err := s.store.GetAccount(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return domain.Account{}, false
	}
	return acct, true
}

// writeSyncError maps broker failures onto the API surface. A dead request
// token is actionable only by a fresh login, so it carries the login URL.
func (s *Server) writeSyncError(w http.ResponseWriter, acct domain.Account, err error) {
	switch kite.KindOf(err) {
	case kite.KindTokenExpired:
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":      err.Error(),
			"error_kind": string(kite.KindTokenExpired),
			"login_url":  kite.LoginURL(acct.APIKey),
		})
	case kite.KindAuth:
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":      "authentication failed, check api key and secret",
			"error_kind": string(kite.KindAuth),
		})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":      err.Error(),
			"error_kind": string(kite.KindOther),
		})
	}
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(12 * time.Hour)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
