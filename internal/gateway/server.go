// Package gateway is the HTTP surface: admission middleware in front of the reverse proxy,
// plus the holding page, status, status stream and admin routes.
package gateway

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"time"

	"codeberg.org/mutker/loadguard/internal/admission"
	"codeberg.org/mutker/loadguard/internal/errors"
	"codeberg.org/mutker/loadguard/internal/logger"
	"codeberg.org/mutker/loadguard/internal/metrics"
	"codeberg.org/mutker/loadguard/internal/overload"
	tollbooth "github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"golang.org/x/exp/slices"
)

//go:embed holding.html
var defaultHoldingPage []byte

// Admin routes carry the token in the path; logs use the route pattern only.
const (
	holdRoute    = "/hold/{token}"
	releaseRoute = "/release/{token}"
)

var reservedPaths = []string{"/", "/health", "/status", "/status/history", "/ws"}

// StatusProvider exposes the read-only monitoring state.
type StatusProvider interface {
	Status() overload.Status
	History() []metrics.Snapshot
	Summary() metrics.Summary
}

// Controller applies admin overrides.
type Controller interface {
	ForceOverload(on bool) overload.Status
}

type Options struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ProxyTarget       string
	ProxyTimeout      time.Duration
	AdminToken        string
	// AdminRateLimit is the permitted admin requests per second per client.
	AdminRateLimit float64
	HoldingFile    string
	HoldingCache   bool
}

type Server struct {
	opts       Options
	status     StatusProvider
	controller Controller
	decider    *admission.Decider
	counter    *admission.Counter
	hub        *Hub
	handler    http.Handler
	httpServer *http.Server
	started    time.Time
}

func New(opts Options, status StatusProvider, controller Controller, decider *admission.Decider, counter *admission.Counter) (*Server, error) {
	errFactory := errors.New()

	if status == nil || controller == nil || decider == nil || counter == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "status, controller, decider and counter are required")
	}

	target, err := url.Parse(opts.ProxyTarget)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, errFactory.WithData(ErrInvalidTarget, opts.ProxyTarget)
	}

	holdingPath := decider.HoldingPath()
	if slices.Contains(reservedPaths, holdingPath) {
		return nil, errFactory.WithData(ErrReservedPath, holdingPath)
	}

	s := &Server{
		opts:       opts,
		status:     status,
		controller: controller,
		decider:    decider,
		counter:    counter,
		hub:        NewHub(status.Status),
		started:    time.Now(),
	}

	admin := newAdminLimiter(opts.AdminRateLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/history", s.handleHistory)
	mux.Handle("GET /ws", s.hub)
	mux.Handle("GET "+holdRoute, tollbooth.LimitHandler(admin, s.adminHandler(holdRoute, true)))
	mux.Handle("GET "+releaseRoute, tollbooth.LimitHandler(admin, s.adminHandler(releaseRoute, false)))
	mux.HandleFunc("GET "+holdingPath, s.handleHolding)
	mux.Handle("/", newProxy(target, opts.ProxyTimeout))

	s.handler = admission.Middleware(decider, counter, mux)
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}

	return s, nil
}

// Handler returns the complete request pipeline.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the status stream hub so it can be subscribed to overload events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("target", s.opts.ProxyTarget).
		Msg("Gateway listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(ErrServe, err)
	}

	return nil
}

// ListenAndServe listens on the configured port.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.opts.Port))
	if err != nil {
		return errors.New().Wrap(ErrServe, err)
	}

	return s.Serve(ln)
}

// Shutdown disconnects status stream clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}

	return nil
}

type statusResponse struct {
	overload.Status
	Connections   int64 `json:"connections"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type historyResponse struct {
	History []metrics.Snapshot `json:"history"`
	Summary metrics.Summary    `json:"summary"`
}

type adminResponse struct {
	Message string          `json:"message"`
	Status  overload.Status `json:"status"`
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        s.status.Status(),
		Connections:   s.counter.Current(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, historyResponse{
		History: s.status.History(),
		Summary: s.status.Summary(),
	})
}

func (s *Server) handleHolding(w http.ResponseWriter, _ *http.Request) {
	page := defaultHoldingPage
	if s.opts.HoldingFile != "" {
		data, err := os.ReadFile(s.opts.HoldingFile)
		if err != nil {
			logger.Error().Err(err).Str("file", s.opts.HoldingFile).Msg("Holding page not readable")
			http.Error(w, "Holding page not found", http.StatusNotFound)
			return
		}
		page = data
	}

	if s.opts.HoldingCache {
		w.Header().Set("Cache-Control", "public, max-age=60")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func (s *Server) adminHandler(route string, on bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")
		if !s.authorized(token) {
			logger.Warn().
				Str("route", route).
				Str("remote_addr", r.RemoteAddr).
				Str("error_code", string(ErrUnauthorized)).
				Msg("Rejected admin request")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		st := s.controller.ForceOverload(on)

		msg := "OVERLOAD RELEASED"
		if on {
			msg = "OVERLOAD FORCED"
		}
		writeJSON(w, http.StatusOK, adminResponse{Message: msg, Status: st})
	})
}

func (s *Server) authorized(token string) bool {
	if s.opts.AdminToken == "" || token == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) == 1
}

func newAdminLimiter(perSecond float64) *limiter.Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}

	lmt := tollbooth.NewLimiter(perSecond, nil)
	lmt.SetMessageContentType("text/plain; charset=utf-8")
	lmt.SetMessage("Too many admin requests, try again later.")

	return lmt
}

func newProxy(target *url.URL, timeout time.Duration) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = target.Host
	}

	if timeout > 0 {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		proxy.Transport = transport
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Proxy error")
		http.Error(w, "Backend down", http.StatusBadGateway)
	}

	return proxy
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("Failed to write JSON response")
	}
}
