package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shelfmark/internal/app"
	"shelfmark/internal/authz"
	"shelfmark/internal/ratelimit"
	"shelfmark/internal/security"
	"shelfmark/internal/util"
	"shelfmark/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	RedisAddr                string
	RedisPassword            string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	TrustedProxies           []string
}

// Server exposes the HTTP API.
type Server struct {
	app           *app.App
	mux           *http.ServeMux
	signupLimiter *ratelimit.FixedWindowLimiter
	loginLimiter  *ratelimit.FixedWindowLimiter
	alerter       *security.AuditAlerter
	trusted       *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app is required")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "shelfmark:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:           cfg.App,
		mux:           http.NewServeMux(),
		signupLimiter: signupLimiter,
		loginLimiter:  loginLimiter,
		alerter:       security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "shelfmark:alerts"),
		trusted:       trusted,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("shelfmark", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/auth/session", s.authenticated(s.handleSession))

	// profiles
	s.mux.Handle("/api/profiles", s.authenticated(s.handleProfiles))
	s.mux.Handle("/api/profiles/", s.authenticated(s.handleProfileByPath))

	// books & reviews
	s.mux.Handle("/api/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/api/books/", s.authenticated(s.handleBookByPath))
	s.mux.Handle("/api/reviews/", s.authenticated(s.handleReviewByPath))

	// messages
	s.mux.Handle("/api/messages", s.authenticated(s.handleMessages))
	s.mux.Handle("/api/messages/", s.authenticated(s.handleMessageByPath))

	// admin
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByPath))
	s.mux.Handle("/api/admin/stats", s.adminOnly(s.handleAdminStats))
	s.mux.Handle("/api/admin/audit", s.adminOnly(s.handleAdminAudit))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type actorHandler func(http.ResponseWriter, *http.Request, domain.Actor)

func (s *Server) authenticated(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.token", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		actor, ok := s.app.ActorFromToken(token)
		if !ok {
			s.audit(r, "auth.token", "fail", "reason", "invalid_or_revoked")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, actor)
	})
}

func (s *Server) adminOnly(next actorHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
		if !actor.IsAdmin() {
			s.audit(r, "admin.authorize", "denied", "user_id", actor.ID)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, actor)
	})
}

// auth handlers

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"fullName"`
	Role        string `json:"role"`
	Phone       string `json:"phone"`
	Institution string `json:"institution"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
	app.Session
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "auth.signup", "rate_limited")
		return
	}
	var req signupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "auth.signup", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, token, err := s.app.SignUp(app.SignUpInput{
		Email:       req.Email,
		Password:    req.Password,
		FullName:    req.FullName,
		Role:        req.Role,
		Phone:       req.Phone,
		Institution: req.Institution,
	})
	if err != nil {
		s.audit(r, "auth.signup", "fail", "reason", err.Error())
		s.writeAppError(w, r, "auth.signup", err)
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", session.User.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, Session: session})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		s.writeAppError(w, r, "auth.login", err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", session.User.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, Session: session})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		s.writeAppError(w, r, "auth.logout", err)
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	session, err := s.app.CurrentSession(actor)
	if err != nil {
		s.writeAppError(w, r, "auth.session", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// profile handlers

type profileUpdateRequest struct {
	FullName    *string `json:"fullName"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	Institution *string `json:"institution"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profiles, err := s.app.ListProfiles(actor)
	if err != nil {
		s.writeAppError(w, r, "profiles.list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": profiles,
		"count": len(profiles),
	})
}

// /api/profiles/me or /api/profiles/{userID}
func (s *Server) handleProfileByPath(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/api/profiles/")
	if path == "" || strings.Contains(path, "/") {
		notFound(w)
		return
	}
	userID := path
	if userID == "me" {
		userID = actor.ID
	}
	switch r.Method {
	case http.MethodGet:
		profile, err := s.app.GetProfile(actor, userID)
		if err != nil {
			s.writeAppError(w, r, "profiles.get", err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPatch:
		var req profileUpdateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		profile, err := s.app.UpdateProfile(actor, userID, app.ProfileUpdate{
			FullName:    req.FullName,
			Email:       req.Email,
			Phone:       req.Phone,
			Institution: req.Institution,
		})
		if err != nil {
			s.writeAppError(w, r, "profiles.update", err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	default:
		methodNotAllowed(w)
	}
}

// book handlers

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r, actor)
	case http.MethodPost:
		s.handleUploadBook(w, r, actor)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	query := r.URL.Query()
	entries, err := s.app.ListBooks(actor, app.CatalogFilter{
		Category: strings.TrimSpace(query.Get("category")),
		Query:    strings.TrimSpace(query.Get("q")),
		Uploader: strings.TrimSpace(query.Get("uploader")),
	})
	if err != nil {
		s.writeAppError(w, r, "books.list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if max := s.app.MaxUploadBytes(); max > 0 {
		// Leave headroom for the multipart framing and text fields.
		r.Body = http.MaxBytesReader(w, r.Body, max+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	book, err := s.app.UploadBook(r.Context(), actor, app.UploadBookInput{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		ISBN:        r.FormValue("isbn"),
		Filename:    header.Filename,
		Data:        data,
	})
	if err != nil {
		s.writeAppError(w, r, "books.upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// /api/books/{id}, /api/books/{id}/download, /api/books/{id}/reviews
func (s *Server) handleBookByPath(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "download":
			s.handleDownloadBook(w, r, actor, id)
		case "reviews":
			s.handleBookReviews(w, r, actor, id)
		default:
			notFound(w)
		}
		return
	}
	switch r.Method {
	case http.MethodGet:
		entry, err := s.app.GetBookEntry(actor, id)
		if err != nil {
			s.writeAppError(w, r, "books.get", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := s.app.DeleteBook(r.Context(), actor, id); err != nil {
			s.writeAppError(w, r, "books.delete", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// handleDownloadBook returns a pre-signed download URL for the book file.
func (s *Server) handleDownloadBook(w http.ResponseWriter, r *http.Request, actor domain.Actor, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, filename, err := s.app.GetDownloadURL(r.Context(), actor, id)
	if err != nil {
		s.writeAppError(w, r, "books.download", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":      url,
		"filename": filename,
	})
}

// review handlers

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (s *Server) handleBookReviews(w http.ResponseWriter, r *http.Request, actor domain.Actor, bookID string) {
	switch r.Method {
	case http.MethodGet:
		reviews, err := s.app.ListReviews(actor, bookID)
		if err != nil {
			s.writeAppError(w, r, "reviews.list", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": reviews,
			"count": len(reviews),
		})
	case http.MethodPost:
		var req reviewRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		review, err := s.app.AddReview(actor, bookID, req.Rating, req.Comment)
		if err != nil {
			s.writeAppError(w, r, "reviews.add", err)
			return
		}
		writeJSON(w, http.StatusCreated, review)
	default:
		methodNotAllowed(w)
	}
}

// /api/reviews/{id}
func (s *Server) handleReviewByPath(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	id := strings.TrimPrefix(r.URL.Path, "/api/reviews/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteReview(actor, id); err != nil {
		s.writeAppError(w, r, "reviews.delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// message handlers

type messageRequest struct {
	RecipientID string `json:"recipientId"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	BookID      string `json:"bookId"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	switch r.Method {
	case http.MethodGet:
		messages, err := s.app.ListMessages(actor, r.URL.Query().Get("box"))
		if err != nil {
			s.writeAppError(w, r, "messages.list", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": messages,
			"count": len(messages),
		})
	case http.MethodPost:
		var req messageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.app.SendMessage(actor, app.SendMessageInput{
			RecipientID: req.RecipientID,
			Subject:     req.Subject,
			Content:     req.Content,
			BookID:      req.BookID,
		})
		if err != nil {
			s.writeAppError(w, r, "messages.send", err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

// /api/messages/unread, /api/messages/{id}, /api/messages/{id}/read
func (s *Server) handleMessageByPath(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if id == "unread" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		count, err := s.app.UnreadCount(actor)
		if err != nil {
			s.writeAppError(w, r, "messages.unread", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
		return
	}
	if len(parts) == 2 {
		if parts[1] != "read" {
			notFound(w)
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		msg, err := s.app.MarkMessageRead(actor, id)
		if err != nil {
			s.writeAppError(w, r, "messages.read", err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msg, err := s.app.GetMessage(actor, id)
	if err != nil {
		s.writeAppError(w, r, "messages.get", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// admin handlers

type roleUpdateRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsersWithRoles(actor)
	if err != nil {
		s.writeAppError(w, r, "admin.users.list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

// /api/admin/users/{id}/role
func (s *Server) handleAdminUserByPath(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/users/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" || len(parts) != 2 || parts[1] != "role" {
		notFound(w)
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req roleUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role, ok := domain.ParseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	assignment, err := s.app.ReassignRole(actor, parts[0], role)
	if err != nil {
		s.audit(r, "admin.role.reassign", "fail", "user_id", actor.ID, "target", parts[0], "reason", err.Error())
		s.writeAppError(w, r, "admin.role.reassign", err)
		return
	}
	s.audit(r, "admin.role.reassign", "success", "user_id", actor.ID, "target", parts[0], "role", string(role))
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats(r.Context(), actor)
	if err != nil {
		s.writeAppError(w, r, "admin.stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	events, err := s.app.AuditTrail(actor, limit)
	if err != nil {
		s.writeAppError(w, r, "admin.audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

// error mapping

// writeAppError maps the application error taxonomy onto HTTP statuses.
// Partial failures and policy denials are also recorded as security events;
// the alerter pages on the first partial.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, event string, err error) {
	var partial *app.PartialFailureError
	var denied *authz.DeniedError
	var verr *app.ValidationError
	switch {
	case errors.As(err, &partial):
		s.audit(r, event, "partial", "op", partial.Op, "reason", partial.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	case errors.As(err, &denied):
		s.audit(r, event, "denied", "resource", string(denied.Resource), "op", string(denied.Op))
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrEmailAndPasswordRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrProfileNotFound),
		errors.Is(err, app.ErrBookNotFound),
		errors.Is(err, app.ErrReviewNotFound),
		errors.Is(err, app.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "event", event, "err", err,
			"request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
	} else {
		slog.Warn("security_event", logAttrs...)
	}
	if s.alerter == nil {
		return
	}
	alert, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		slog.Warn("alert counter unavailable", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		slog.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", alert.Count,
			"threshold", alert.Threshold,
			"window", alert.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window()/time.Second)))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForAPI(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForAPI(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "incorrect email address or password":
		return "AUTH_INVALID_CREDENTIALS"
	case message == "email already exists":
		return "AUTH_EMAIL_EXISTS"
	case message == "email and password required":
		return "AUTH_MISSING_CREDENTIALS"
	case message == "forbidden":
		return "POLICY_DENIED"
	case message == "user not found":
		return "USER_NOT_FOUND"
	case message == "profile not found":
		return "PROFILE_NOT_FOUND"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "review not found":
		return "REVIEW_NOT_FOUND"
	case message == "message not found":
		return "MESSAGE_NOT_FOUND"
	case message == "file too large":
		return "BOOK_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case strings.Contains(message, "unsupported file type"):
		return "BOOK_UNSUPPORTED_FILE_TYPE"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "REQUEST_INVALID_JSON"
	case strings.HasPrefix(message, "too many"):
		return "RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "POLICY_DENIED"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "REQUEST_CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
