// Package httpapi serves the signal intake and status API over gin.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lifeguard/internal/delivery"
	"lifeguard/internal/liveness"
	"lifeguard/internal/monitor"
	"lifeguard/internal/relation"
	"lifeguard/internal/runtime/supervisor"
	logx "lifeguard/pkg/logx"
)

type Config struct {
	Addr  string
	Token string
}

// Engine is the part of monitor.Engine the API calls.
type Engine interface {
	Ingest(ctx context.Context, sig liveness.Signal) (monitor.IngestResult, error)
	SubjectStatus(ctx context.Context, subjectID string) ([]monitor.Status, error)
}

type Queue interface {
	Peek(ctx context.Context, limit int) ([]delivery.QueueEntry, error)
	Len(ctx context.Context) (int, error)
	Ack(ctx context.Context, id string) error
}

type Deps struct {
	Engine Engine
	Queue  Queue
	// Online is called when a client reports connectivity restored.
	Online func()
	Loops  func() []supervisor.LoopStatus
	Log    logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router *gin.Engine
}

func New(cfg Config, deps Deps) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", s.auth())
	v1.POST("/signals", s.postSignal)
	v1.GET("/subjects/:id", s.getSubject)
	v1.GET("/queue", s.getQueue)
	v1.POST("/queue/flush", s.postFlush)
	v1.DELETE("/queue/:id", s.deleteQueueEntry)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr), logx.Bool("auth", s.cfg.Token != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http api shutdown", logx.Err(err))
		}
		return nil
	}
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, response{Status: "success", Data: data})
}

func respondError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, response{Status: "error", Message: msg})
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			respondError(c, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) healthz(c *gin.Context) {
	var loops []supervisor.LoopStatus
	if s.deps.Loops != nil {
		loops = s.deps.Loops()
	}
	code, status := http.StatusOK, "ok"
	for _, l := range loops {
		if !l.Running {
			code, status = http.StatusServiceUnavailable, "degraded"
			break
		}
	}
	c.JSON(code, gin.H{"status": status, "loops": loops})
}

type signalRequest struct {
	SubjectID string    `json:"subject_id" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Source    string    `json:"source" binding:"required,oneof=heartbeat motion manual-checkin"`
	Nonce     string    `json:"nonce" binding:"omitempty,max=128"`
}

func (s *Server) postSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.deps.Engine.Ingest(c.Request.Context(), liveness.Signal{
		SubjectID: req.SubjectID,
		Timestamp: req.Timestamp,
		Source:    liveness.Source(req.Source),
		Nonce:     req.Nonce,
	})
	if err != nil {
		respondError(c, signalStatus(err), err.Error())
		return
	}
	respond(c, http.StatusOK, res)
}

func signalStatus(err error) int {
	switch {
	case errors.Is(err, liveness.ErrInvalidSignal):
		return http.StatusBadRequest
	case errors.Is(err, liveness.ErrInvalidTimestamp):
		return http.StatusUnprocessableEntity
	case errors.Is(err, liveness.ErrReplayedSignal):
		return http.StatusConflict
	case errors.Is(err, liveness.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, monitor.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getSubject(c *gin.Context) {
	st, err := s.deps.Engine.SubjectStatus(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, relation.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrStoreUnavailable):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		respondError(c, http.StatusInternalServerError, err.Error())
	default:
		respond(c, http.StatusOK, st)
	}
}

func (s *Server) getQueue(c *gin.Context) {
	if s.deps.Queue == nil {
		respondError(c, http.StatusNotImplemented, "queue not available")
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondError(c, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	ctx := c.Request.Context()
	n, err := s.deps.Queue.Len(ctx)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	entries, err := s.deps.Queue.Peek(ctx, limit)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	respond(c, http.StatusOK, gin.H{"length": n, "entries": entries})
}

// deleteQueueEntry drops an entry the flusher keeps retrying. Unknown ids
// succeed, as Ack does.
func (s *Server) deleteQueueEntry(c *gin.Context) {
	if s.deps.Queue == nil {
		respondError(c, http.StatusNotImplemented, "queue not available")
		return
	}
	id := c.Param("id")
	if err := s.deps.Queue.Ack(c.Request.Context(), id); err != nil {
		respondError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Warn("queue entry dropped by operator", logx.String("entry", id), logx.String("remote", c.ClientIP()))
	c.JSON(http.StatusOK, response{Status: "success", Message: "queue entry dropped"})
}

func (s *Server) postFlush(c *gin.Context) {
	if s.deps.Online != nil {
		s.deps.Online()
	}
	c.JSON(http.StatusAccepted, response{Status: "success", Message: "flush requested"})
}
