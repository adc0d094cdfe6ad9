// Package gateway exposes judging over HTTP: a blocking submit endpoint and a
// WebSocket stream of worker progress.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/forgejudge/internal/correlation"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/platform/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// Submitter is the caller side of the correlation handshake.
type Submitter interface {
	SubmitAndAwait(ctx context.Context, job domain.Job, timeout time.Duration) (*domain.Report, error)
}

var _ Submitter = (*correlation.Protocol)(nil)

type Options struct {
	// Namespace derives job keys from question numbers.
	Namespace string
	// Timeout is the wait used when a request names none.
	Timeout time.Duration
	// MaxTimeout caps what a request may ask for.
	MaxTimeout time.Duration
	// AllowedOrigins for CORS; empty allows all.
	AllowedOrigins []string
}

type Server struct {
	submitter Submitter
	hub       *Hub
	limiter   *web.Limiter
	opts      Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New wires the handlers. limiter may be nil to disable rate limiting.
func New(submitter Submitter, hub *Hub, limiter *web.Limiter, opts Options, logger *slog.Logger) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxTimeout < opts.Timeout {
		opts.MaxTimeout = opts.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		submitter: submitter,
		hub:       hub,
		limiter:   limiter,
		opts:      opts,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/judge", s.handleJudge)
		})
		r.Get("/ws", s.handleWS)
	})

	c := cors.AllowAll()
	if len(s.opts.AllowedOrigins) > 0 {
		c = cors.New(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		})
	}
	return c.Handler(r)
}

// judgeRequest is a Job without the derived key, plus an optional wait in
// seconds.
type judgeRequest struct {
	QuestionNo  string        `json:"questionNo"`
	SolcVersion string        `json:"solcVersion"`
	JudgeJobID  string        `json:"judgeJobId"`
	Files       []domain.File `json:"pathWithContent"`
	Timeout     float64       `json:"timeout"`
}

func (s *Server) handleJudge(w http.ResponseWriter, r *http.Request) {
	var req judgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SolcVersion == "" {
		web.WriteError(w, http.StatusBadRequest, "solcVersion is required")
		return
	}
	if req.JudgeJobID == "" {
		req.JudgeJobID = uuid.NewString()
	}

	job := domain.Job{
		QuestionNo:  req.QuestionNo,
		SolcVersion: req.SolcVersion,
		JudgeJobID:  req.JudgeJobID,
		JobKey:      domain.JobKey(s.opts.Namespace, req.QuestionNo),
		Files:       req.Files,
	}
	if err := job.Validate(); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := s.opts.Timeout
	if req.Timeout > 0 {
		// Clamp in seconds first; converting a huge float overflows Duration.
		timeout = time.Duration(min(req.Timeout, s.opts.MaxTimeout.Seconds()) * float64(time.Second))
	}

	logger := s.logger.With("jobID", job.JudgeJobID, "questionNo", job.QuestionNo)
	logger.Info("Received submission", "files", len(job.Files), "timeout", timeout)

	start := time.Now()
	report, err := s.submitter.SubmitAndAwait(r.Context(), job, timeout)
	status := http.StatusOK
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		report, status = correlation.TimeoutReport(), http.StatusGatewayTimeout
	case err != nil:
		// Client went away; nobody reads the response.
		logger.Info("Submission abandoned", "error", err)
		return
	}
	report.Stamp(job.JudgeJobID, time.Since(start))
	logger.Info("Submission finished", "code", report.Code, "costTime", report.CostTime)
	web.WriteJSON(w, status, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		web.WriteError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	sub := s.hub.register(jobID, conn)
	s.logger.Debug("Client watching job", "jobID", jobID, "remoteAddr", conn.RemoteAddr(), "watchers", s.hub.Watchers(jobID))

	defer func() {
		s.hub.unregister(jobID, sub)
		conn.Close()
	}()

	// Drain until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
