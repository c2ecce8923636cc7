package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"talqs/internal/ratelimit"
	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/identity"
	"talqs/pkg/localstate"
	"talqs/pkg/store"
	"talqs/services/talqs/internal/app"
	"talqs/services/talqs/internal/security"
)

const (
	HeaderClientID   = "X-Client-ID"
	ClientCookieName = "talqs_client"

	clientCookieMaxAge = 365 * 24 * 60 * 60
	maxJSONBody        = 1 << 20
	rateWindowSeconds  = 60
	multipartOverhead  = 64 << 10
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Resolver *identity.Resolver

	// ClientState holds per-client local state, namespaced by client id.
	ClientState    localstate.KV
	CORSOrigins    []string
	TrustedProxies util.ProxyAllowlist
	CookieSecure   bool
	SessionTTL     time.Duration
	MaxUploadBytes int64

	SignupLimiter ratelimit.Limiter
	LoginLimiter  ratelimit.Limiter
	UploadLimiter ratelimit.Limiter
	Alerter       security.Alerter
}

// Server exposes the TALQS HTTP API.
type Server struct {
	app         *app.App
	resolver    *identity.Resolver
	clientState localstate.KV
	corsOrigins []string
	proxies     util.ProxyAllowlist
	secure      bool
	sessionTTL  time.Duration
	maxUpload   int64

	signupLimiter ratelimit.Limiter
	loginLimiter  ratelimit.Limiter
	uploadLimiter ratelimit.Limiter
	alerter       security.Alerter

	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		resolver:      cfg.Resolver,
		clientState:   cfg.ClientState,
		corsOrigins:   cfg.CORSOrigins,
		proxies:       cfg.TrustedProxies,
		secure:        cfg.CookieSecure,
		sessionTTL:    cfg.SessionTTL,
		maxUpload:     cfg.MaxUploadBytes,
		signupLimiter: cfg.SignupLimiter,
		loginLimiter:  cfg.LoginLimiter,
		uploadLimiter: cfg.UploadLimiter,
		alerter:       cfg.Alerter,
		mux:           http.NewServeMux(),
	}
	if s.clientState == nil {
		s.clientState = localstate.NewMemoryKV()
	}
	if s.resolver == nil {
		s.resolver = identity.NewResolver(&identity.FallbackSource{}, identity.HeaderSource{})
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = 7 * 24 * time.Hour
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = s.resolver.Middleware(h)
	h = s.withClient(h)
	h = util.WithSecurityHeaders(h)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/users/me", s.handleMe)
	s.mux.HandleFunc("GET /api/users", s.handleListUsers)

	s.mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	s.mux.HandleFunc("POST /api/documents", s.handleUpload)
	s.mux.HandleFunc("GET /api/documents/{fingerprint}", s.handleGetDocument)
	s.mux.HandleFunc("GET /api/documents/{fingerprint}/summary", s.handleGetSummary)
	s.mux.HandleFunc("POST /api/documents/{fingerprint}/answers", s.handleEnqueueAnswers)
	s.mux.HandleFunc("GET /api/documents/{fingerprint}/answers", s.handleGetAnswers)
	s.mux.HandleFunc("GET /api/summaries", s.handleListSummaries)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)

	s.mux.HandleFunc("GET /api/qa", s.handleQuestions)
	s.mux.HandleFunc("POST /api/qa", s.handleAsk)

	s.mux.HandleFunc("GET /api/chat-history", s.handleHistory)
	s.mux.HandleFunc("POST /api/chat-history", s.handleSaveMessage)
	s.mux.HandleFunc("DELETE /api/chat-history", s.handleDeleteConversation)
	s.mux.HandleFunc("POST /api/chat-history/reconcile", s.handleReconcile)
	s.mux.HandleFunc("GET /api/chat-history/questions", s.handlePreviousQuestions)
	s.mux.HandleFunc("DELETE /api/chat-history/all", s.handleDeleteAll)

	s.mux.HandleFunc("GET /api/preferences/theme", s.handleGetTheme)
	s.mux.HandleFunc("PUT /api/preferences/theme", s.handleSetTheme)
}

// withClient binds the caller's local state to the request. The client is
// identified by the X-Client-ID header or the talqs_client cookie; a new
// client gets a fresh id cookie.
func (s *Server) withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := strings.TrimSpace(r.Header.Get(HeaderClientID))
		if clientID == "" {
			if c, err := r.Cookie(ClientCookieName); err == nil {
				clientID = strings.TrimSpace(c.Value)
			}
		}
		if clientID == "" {
			clientID = util.NewClientID()
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookieName,
				Value:    clientID,
				Path:     "/",
				MaxAge:   clientCookieMaxAge,
				HttpOnly: true,
				Secure:   s.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		cache := localstate.NewCache(localstate.Namespace(s.clientState, clientID))
		ctx := identity.ContextWithCache(r.Context(), cache)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIdentity(r *http.Request) (domain.Identity, *localstate.Cache) {
	ident, _ := identity.FromContext(r.Context())
	cache, _ := identity.CacheFromContext(r.Context())
	return ident, cache
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "auth.signup", "too many signup attempts") {
		return
	}
	var req app.SignUpInput
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.SignUp(r.Context(), req)
	if err != nil {
		s.audit(r, "auth.signup", security.OutcomeFail, "err", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.signup", security.OutcomeSuccess, "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "auth.login", "too many login attempts") {
		return
	}
	var req app.LoginInput
	if !decodeJSON(w, r, &req) {
		return
	}
	_, cache := requestIdentity(r)
	sess, err := s.app.Login(r.Context(), cache, req)
	if err != nil {
		s.audit(r, "auth.login", security.OutcomeFail, "err", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", security.OutcomeSuccess, "user_id", sess.User.ID)
	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, cache := requestIdentity(r)
	var token string
	if c, err := r.Cookie(identity.SessionCookieName); err == nil {
		token = c.Value
	}
	if err := s.app.Logout(r.Context(), cache, token); err != nil {
		writeAppError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.app.ListUsers(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident, cache := requestIdentity(r)
	writeJSON(w, http.StatusOK, s.app.Me(r.Context(), ident, cache))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	docs, err := s.app.ListDocuments(r.Context(), ident)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs, "count": len(docs)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.uploadLimiter, "documents.upload", "too many uploads") {
		return
	}
	if s.maxUpload > 0 {
		// room for the multipart envelope; the app enforces the file limit
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, app.ErrFileTooLarge.Error())
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
	ident, cache := requestIdentity(r)
	res, err := s.app.Upload(r.Context(), ident, cache, app.UploadInput{FileName: header.Filename, Reader: file})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	doc, err := s.app.GetDocument(r.Context(), ident, r.PathValue("fingerprint"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	sum, err := s.app.GetSummary(r.Context(), ident, r.PathValue("fingerprint"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	items, err := s.app.ListSummaries(r.Context(), ident)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleEnqueueAnswers(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	job, err := s.app.EnqueueBulkAnswers(r.Context(), ident, r.PathValue("fingerprint"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetAnswers(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	answers, err := s.app.GetBulkAnswers(r.Context(), ident, r.PathValue("fingerprint"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ident, _ := requestIdentity(r)
	job, err := s.app.GetJob(r.Context(), ident, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"questions": s.app.Questions(r.Context())})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req app.AskInput
	if !decodeJSON(w, r, &req) {
		return
	}
	ident, cache := requestIdentity(r)
	res, err := s.app.Ask(r.Context(), ident, cache, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConversationFilter{
		Fingerprint: q.Get("fingerprint"),
		DocumentID:  q.Get("documentId"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	ident, cache := requestIdentity(r)
	res := s.app.History(r.Context(), ident, cache, filter)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var req app.SaveMessageInput
	if !decodeJSON(w, r, &req) {
		return
	}
	ident, cache := requestIdentity(r)
	conv, err := s.app.SaveMessage(r.Context(), ident, cache, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ident, _ := requestIdentity(r)
	writeJSON(w, http.StatusOK, s.app.ReconcileUpload(r.Context(), ident, req.Conversations))
}

func (s *Server) handlePreviousQuestions(w http.ResponseWriter, r *http.Request) {
	ident, cache := requestIdentity(r)
	qs, err := s.app.PreviousQuestions(r.Context(), ident, cache, r.URL.Query().Get("fingerprint"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	ident, cache := requestIdentity(r)
	id := r.URL.Query().Get("id")
	if err := s.app.DeleteConversation(r.Context(), ident, cache, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	ident, cache := requestIdentity(r)
	res, err := s.app.DeleteAllConversations(r.Context(), ident, cache)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	_, cache := requestIdentity(r)
	theme, err := s.app.Theme(r.Context(), cache)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": theme})
}

func (s *Server) handleSetTheme(w http.ResponseWriter, r *http.Request) {
	var req app.ThemeInput
	if !decodeJSON(w, r, &req) {
		return
	}
	_, cache := requestIdentity(r)
	theme, err := s.app.SetTheme(r.Context(), cache, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"theme": theme})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, event, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.proxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, event, security.OutcomeRateLimited)
	w.Header().Set("Retry-After", strconv.Itoa(rateWindowSeconds))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// audit logs an account event and raises a security_alert once the
// per-IP counter for it crosses its threshold.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.proxies)
	logger := util.LoggerFromContext(r.Context())
	fields := append([]any{"event", event, "outcome", outcome, "ip", ip}, attrs...)
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", fields...)
	} else {
		logger.Warn("security_event", fields...)
	}
	if s.alerter == nil {
		return
	}
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrUnsupportedFormat),
		errors.Is(err, app.ErrEmptyDocument),
		errors.Is(err, app.ErrUnreadableDocument):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, app.ErrDocumentNotFound),
		errors.Is(err, app.ErrConversationNotFound),
		errors.Is(err, app.ErrSummaryNotFound),
		errors.Is(err, app.ErrAnswersNotFound),
		errors.Is(err, app.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrEmailAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, app.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
