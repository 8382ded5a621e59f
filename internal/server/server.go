// Package server exposes chat sessions over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nachoal/sqlchat-go/agent"
	"github.com/nachoal/sqlchat-go/internal/audit"
	"github.com/nachoal/sqlchat-go/internal/logx"
	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/toolclient"
)

// ToolStatus is the read side of the tool client shown by /health and /api/v1/tools.
type ToolStatus interface {
	State() toolclient.State
	Catalog() []llm.ToolDescriptor
}

// SessionFactory builds the session backing one websocket connection.
type SessionFactory func(sessionID string) *agent.Session

// Frame types sent by the browser.
const (
	FrameMessage = "message"
	FrameApprove = "approve"
	FrameReject  = "reject"
	FrameHistory = "history"
)

type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Server routes HTTP and websocket traffic.
type Server struct {
	router     *gin.Engine
	tools      ToolStatus
	newSession SessionFactory
	auditLog   audit.Lister
	upgrader   websocket.Upgrader
	baseCtx    context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithAuditLog serves recorded queries on /api/v1/audit.
func WithAuditLog(l audit.Lister) Option {
	return func(s *Server) {
		s.auditLog = l
	}
}

// New builds the router. ctx bounds every session's turns.
func New(ctx context.Context, tools ToolStatus, factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		router:     gin.New(),
		tools:      tools,
		newSession: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseCtx: ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(gin.Recovery(), requestLogger())

	s.router.GET("/health", s.handleHealth)
	v1 := s.router.Group("/api/v1")
	v1.GET("/tools", s.handleTools)
	v1.GET("/audit", s.handleAudit)
	s.router.GET("/ws", s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.tools.State()
	status := "ok"
	if state != toolclient.Connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "tool_service": state.String()})
}

func (s *Server) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.Catalog()})
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.auditLog == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit sink does not support listing"})
		return
	}
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := s.auditLog.List(c.Request.Context(), sessionID, limit)
	if err != nil {
		logx.Error().Err(err).Str("session", sessionID).Msg("failed to list audit entries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"entries":    entries,
		"summary":    audit.Summarize(entries, 10),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logx.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := s.newSession(sessionID)
	w := &wsWriter{conn: conn}

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	events := sess.Subscribe()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for e := range events {
			if err := w.write(e); err != nil {
				logx.Debug().Err(err).Msg("websocket write failed")
			}
		}
	}()
	defer func() {
		_ = sess.Close()
		<-forwarded
	}()

	logx.Info().Str("session", sessionID).Msg("websocket session started")
	_ = w.write(gin.H{"type": "session", "session_id": sessionID, "state": sess.State()})

	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logx.Warn().Err(err).Str("session", sessionID).Msg("websocket read error")
			}
			break
		}

		if err := s.dispatch(ctx, sess, w, f); err != nil {
			_ = w.write(gin.H{"type": "error", "content": err.Error()})
		}
	}

	logx.Info().Str("session", sessionID).Msg("websocket session ended")
}

func (s *Server) dispatch(ctx context.Context, sess *agent.Session, w *wsWriter, f clientFrame) error {
	switch f.Type {
	case FrameMessage:
		return sess.SendUserMessage(ctx, f.Text)
	case FrameApprove:
		return sess.Approve()
	case FrameReject:
		return sess.Reject()
	case FrameHistory:
		return w.write(gin.H{"type": "history", "messages": sess.History(), "scratch": sess.Scratch()})
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// wsWriter serializes writes; gorilla connections allow one concurrent writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logx.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
