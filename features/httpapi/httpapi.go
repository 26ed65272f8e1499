// Package httpapi is the HTTP front door for the tutor: a thin chi server
// exposing one server-sent-event conversation endpoint plus health and
// cancellation routes. Authentication is out of scope; the service runs
// behind a gateway that vouches for the user ID in the request body.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/maice-ai/maice/runtime/tutor/fault"
	"github.com/maice-ai/maice/runtime/tutor/router"
	"github.com/maice-ai/maice/runtime/tutor/sse"
	"github.com/maice-ai/maice/runtime/tutor/store"
)

// keepAliveInterval is how often a comment line is written to an otherwise
// silent event stream so proxies do not drop the connection mid-phase.
const keepAliveInterval = 15 * time.Second

// Default per-user request limit. Conversation turns take seconds to stream,
// so a sustained rate above this indicates a misbehaving client.
const (
	defaultRate  = 5
	defaultBurst = 10
)

type (
	// Conversations is the slice of the session router the front door needs.
	Conversations interface {
		// HandleUtterance routes one user utterance and streams the turn's
		// events to out, returning once the turn reaches its terminal event.
		HandleUtterance(ctx context.Context, utt router.Utterance, out sse.Sink) error
		// CancelSession acks pending work for the session and drops any
		// clarification state.
		CancelSession(ctx context.Context, sessionID int64, userID string) error
	}

	// Server is the HTTP front door.
	Server struct {
		conv     Conversations
		checker  health.Checker
		limiters *userLimiters
		debug    bool
	}

	// Option configures the server.
	Option func(*Server)

	// askRequest is the POST /api/sessions/ask payload. A zero session ID
	// opens a new session.
	askRequest struct {
		SessionID int64  `json:"session_id"`
		UserID    string `json:"user_id"`
		Message   string `json:"message"`
	}

	// cancelRequest is the POST /api/sessions/{sessionID}/cancel payload.
	cancelRequest struct {
		UserID string `json:"user_id"`
	}

	// errorBody is the JSON envelope for failures before a stream opens.
	errorBody struct {
		Error string `json:"error"`
	}
)

var _ Conversations = (*router.Router)(nil)

// WithHealth registers the dependencies reported by GET /healthz.
func WithHealth(deps ...health.Pinger) Option {
	return func(s *Server) {
		s.checker = health.NewChecker(deps...)
	}
}

// WithRateLimit overrides the per-user request limit. rps is the sustained
// requests per second, burst the instantaneous allowance.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiters = newUserLimiters(rps, burst)
	}
}

// WithDebug mounts the pprof handlers and the debug log enabler under
// /debug, and logs request and response bodies while debug logs are on.
func WithDebug() Option {
	return func(s *Server) {
		s.debug = true
	}
}

// New builds the front door around the session router.
func New(conv Conversations, opts ...Option) *Server {
	s := &Server{
		conv:     conv,
		checker:  health.NewChecker(),
		limiters: newUserLimiters(defaultRate, defaultBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler mounts the routes and returns the root handler. The context
// carries the logger used for request logging.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := chi.NewRouter()
	mux.Use(log.HTTP(ctx))
	if s.debug {
		mux.Use(debug.HTTP())
		debug.MountDebugLogEnabler(debugMux{mux})
		debug.MountPprofHandlers(debugMux{mux})
	}
	mux.Get("/healthz", health.Handler(s.checker))
	mux.Post("/api/sessions/ask", s.ask)
	mux.Post("/api/sessions/{sessionID}/cancel", s.cancel)
	return mux
}

// debugMux adapts the chi router to the mux interface the clue debug
// handlers mount on.
type debugMux struct {
	mux *chi.Mux
}

func (d debugMux) Handle(pattern string, handler http.Handler) {
	d.mux.Handle(pattern, handler)
}

func (d debugMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	d.mux.HandleFunc(pattern, handler)
}

// ask accepts one user utterance and answers with a server-sent event
// stream. Failures before the stream opens map to HTTP status codes; once
// streaming has begun every failure is delivered as a terminal error event.
func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}
	if !s.limiters.allow(req.UserID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	out := sse.NewWriter(w)
	stop := make(chan struct{})
	go keepAlive(r.Context(), out, stop)

	err := s.conv.HandleUtterance(r.Context(), router.Utterance{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Text:      req.Message,
	}, out)
	close(stop)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return // client went away
		}
		// The router reports recoverable trouble on the stream itself, so an
		// error here means the turn never produced its terminal event.
		log.Errorf(r.Context(), err, "utterance failed")
		kind := fault.KindInternal
		if f, ok := fault.As(err); ok {
			kind = f.Kind()
		}
		_ = out.Send(r.Context(), sse.NewError(req.SessionID, fault.PublicMessage(kind), ""))
	}
}

// cancel delivers the administrative cancel signal for a session.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || sessionID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.conv.CancelSession(r.Context(), sessionID, req.UserID); err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, store.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, "not your session")
		default:
			log.Errorf(r.Context(), err, "cancel failed")
			writeError(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// keepAlive writes comment lines to the stream until stop closes or the
// request context ends.
func keepAlive(ctx context.Context, out *sse.Writer, stop <-chan struct{}) {
	t := time.NewTicker(keepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := out.Comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// writeError sends a JSON error envelope. Only valid before streaming starts.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
