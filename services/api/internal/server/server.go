package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"web3university/internal/ratelimit"
	"web3university/internal/util"
	"web3university/pkg/exchange"
	"web3university/pkg/sigverify"
	"web3university/pkg/store"
	"web3university/services/api/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	RedisAddr               string
	RedisPassword           string
	LoginRateLimitPerMinute int
}

// Server exposes the HTTP endpoints of the api service.
type Server struct {
	app          *app.App
	mux          *http.ServeMux
	loginLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	loginLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "web3u:api:ratelimit:login", loginLimit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init login limiter: %w", err)
	}
	s := &Server{
		app:          cfg.App,
		mux:          http.NewServeMux(),
		loginLimiter: loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(
		util.WithCORS(
			util.WithRequestID(
				util.WithRequestLog("api", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/user/check", s.handleUserCheck)
	s.mux.HandleFunc("/user/login", s.handleLogin)
	s.mux.HandleFunc("/user/update-nickname", s.handleUpdateNickname)

	s.mux.HandleFunc("/courses", s.handleCourses)
	s.mux.HandleFunc("/course-detail", s.handleCourseDetail)

	s.mux.HandleFunc("/exchange/quote", s.handleExchangeQuote)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUserCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.app.CheckUser(r.URL.Query().Get("address"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type loginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Nickname  string `json:"nickname"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "api.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "api.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Login(req.Address, req.Signature, req.Nickname); err != nil {
		s.audit(r, "api.login", "fail", "address", req.Address, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "api.login", "success", "address", req.Address)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type nicknameRequest struct {
	Address   string `json:"address"`
	Nickname  string `json:"nickname"`
	Signature string `json:"signature,omitempty"`
}

func (s *Server) handleUpdateNickname(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req nicknameRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.UpdateNickname(req.Address, req.Nickname, req.Signature); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createCourseRequest struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Title       string    `json:"title"`
	Cover       string    `json:"cover"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Price       string    `json:"price"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateCourse(w, r)
	case http.MethodGet:
		s.handleListCourses(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req createCourseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	course, err := s.app.CreateCourse(app.CreateCourseInput{
		ID:          req.ID,
		Author:      req.Author,
		Title:       req.Title,
		Cover:       req.Cover,
		Description: req.Description,
		Content:     req.Content,
		Price:       req.Price,
		CreatedAt:   req.CreatedAt,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, course)
}

// GET /courses?address=&mode=all|mine
func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	mode := r.URL.Query().Get("mode")
	if mode == "mine" {
		courses, err := s.app.ListPurchasedCourses(address)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, courses)
		return
	}
	listings, err := s.app.ListCourses(address)
	if err != nil {
		// The purchased flag leaks purchase state, so anonymous listing
		// is refused outright rather than degraded.
		if errors.Is(err, app.ErrUnregistered) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

type courseDetailRequest struct {
	CourseID  string `json:"courseId"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

func (s *Server) handleCourseDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req courseDetailRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	detail, err := s.app.GetCourseDetail(r.Context(), req.CourseID, req.Address, req.Signature)
	if err != nil {
		s.audit(r, "api.course_detail", "fail",
			"course_id", req.CourseID, "address", req.Address, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "api.course_detail", "success",
		"course_id", req.CourseID, "address", req.Address)
	writeJSON(w, http.StatusOK, detail)
}

// GET /exchange/quote?amount=<native base units>
func (s *Server) handleExchangeQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	quote, err := s.app.QuoteExchange(r.Context(), r.URL.Query().Get("amount"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDenial(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "reason": reason})
}

// writeAppError maps business errors onto HTTP statuses. Authorization
// denials carry a machine-readable reason.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sigverify.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, app.ErrUnregistered):
		writeDenial(w, http.StatusUnauthorized, "unregistered", err.Error())
	case errors.Is(err, app.ErrNotPurchased):
		writeDenial(w, http.StatusForbidden, "not_purchased", err.Error())
	case errors.Is(err, app.ErrServiceDegraded):
		writeDenial(w, http.StatusServiceUnavailable, "service_degraded", err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, app.ErrCourseNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrAddressRequired),
		errors.Is(err, app.ErrSignatureRequired),
		errors.Is(err, app.ErrCourseIDRequired),
		errors.Is(err, app.ErrNicknameRequired),
		errors.Is(err, app.ErrInvalidPrice),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, exchange.ErrInvalidRate):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
