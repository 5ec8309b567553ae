package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/jsoncodec"
	"github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/notify"
)

const (
	DefaultAddress    = ":8080"
	maxRequestBody    = 4 << 20
	sseRetryMillis    = 2000
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// EventSource streams engine notifications.
type EventSource interface {
	Subscribe(ctx context.Context, types ...string) (<-chan notify.Event, error)
}

// ServerOptions configure the HTTP binding.
type ServerOptions struct {
	Address            string
	CORSAllowedOrigins []string
	// Events backs /api/events; the route is absent when nil.
	Events EventSource
	// Gatherer backs /metrics; the route is absent when nil.
	Gatherer prometheus.Gatherer
	Logger   logging.ServiceLogger
}

type reply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewRouter binds d to HTTP:
//
//	GET  /api/commands          registered command names
//	POST /api/commands/{name}   run a command, the body holds its arguments
//	GET  /api/events            server-sent engine events, ?type= filters
//	GET  /metrics               Prometheus metrics
//	GET  /healthz               liveness
func NewRouter(d *Dispatcher, opts ServerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	h := &httpHandlers{dispatcher: d, events: opts.Events, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors(opts.CORSAllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/commands", h.listCommands)
		r.Post("/commands/{name}", h.runCommand)
		if opts.Events != nil {
			r.Get("/events", h.streamEvents)
		}
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type httpHandlers struct {
	dispatcher *Dispatcher
	events     EventSource
	logger     logging.ServiceLogger
}

func (h *httpHandlers) listCommands(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, reply{Result: h.dispatcher.Names()})
}

func (h *httpHandlers) runCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.write(w, http.StatusRequestEntityTooLarge, reply{Error: err.Error()})
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), name, body)
	if err != nil {
		h.write(w, StatusFor(err), reply{Error: err.Error()})
		return
	}
	h.write(w, http.StatusOK, reply{Result: result})
}

func (h *httpHandlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var types []string
	for _, v := range r.URL.Query()["type"] {
		types = append(types, strings.Split(v, ",")...)
	}
	events, err := h.events.Subscribe(r.Context(), types...)
	if err != nil {
		h.write(w, http.StatusServiceUnavailable, reply{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := jsoncodec.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode event", err, nil)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *httpHandlers) write(w http.ResponseWriter, status int, body reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		h.logger.Error("Failed to encode response", err, nil)
	}
}

// StatusFor maps command errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, perrors.ErrUnknownCommand), errors.Is(err, perrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, perrors.ErrWorkbookRunning):
		return http.StatusConflict
	case perrors.IsConfigurationError(err),
		errors.Is(err, perrors.ErrWorkbookRequired),
		errors.Is(err, perrors.ErrTopicRequired),
		errors.Is(err, perrors.ErrSchemaIDRequired):
		return http.StatusBadRequest
	case perrors.IsConnectionError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// cors allows the configured origins. "*" allows any origin.
func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(allowed, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowedOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}

// Server serves a router until its context ends.
type Server struct {
	http   *http.Server
	logger logging.ServiceLogger
}

func NewServer(handler http.Handler, opts ServerOptions) *Server {
	addr := opts.Address
	if addr == "" {
		addr = DefaultAddress
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

// Run listens until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", logging.LogFields{"address": ln.Addr().String()})
		errc <- s.http.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP API: %w", err)
	}
	return nil
}
