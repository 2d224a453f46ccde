package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/database"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	Service *Service
	MCP     http.Handler
}

// NewHandler wires the HTTP routes to the service. mcp may be nil.
func NewHandler(s *Service, mcp http.Handler) *Handler {
	return &Handler{Service: s, MCP: mcp}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.root)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if h.MCP != nil {
		r.Any("/mcp", gin.WrapH(h.MCP))
	}

	api := r.Group("/api/v1")
	{
		api.POST("/chat", h.chat)
		api.POST("/chat/stream", h.chatStream)
		api.GET("/threads/:id/messages", h.getMessages)
		api.GET("/threads/:id/findings", h.listFindings)
		api.DELETE("/threads/:id/findings", h.forgetFindings)

		api.GET("/runs", h.listRuns)
		api.GET("/runs/:id", h.getRun)
		api.GET("/runs/:id/logs", h.getRunLogs)
	}
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "product-recommender",
		"endpoints": []string{
			"POST /api/v1/chat",
			"POST /api/v1/chat/stream",
			"GET /api/v1/threads/:id/messages",
			"GET /api/v1/threads/:id/findings",
			"DELETE /api/v1/threads/:id/findings",
			"GET /api/v1/runs",
			"GET /health",
			"GET /metrics",
			"POST /mcp",
		},
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.Service.Chat(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) chatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next, err := h.Service.ChatStream(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for event, err := range next {
		if err != nil {
			// Once streaming has started the error travels as an event
			writeSSE(c, StreamEvent{Type: "error", Payload: errorBody(err)})
			return
		}
		writeSSE(c, event)
	}
}

func writeSSE(c *gin.Context, event StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(data)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// writeError maps service errors to status codes. Internal causes are never
// sent to the client.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, agent.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, errorBody(err))
}

func errorBody(err error) gin.H {
	body := gin.H{"error": FailureMessage, "retryable": true}
	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		body["run_id"] = turnErr.RunID
		body["thread_id"] = turnErr.ThreadID
	}
	return body
}

func (h *Handler) getMessages(c *gin.Context) {
	msgs, err := h.Service.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": c.Param("id"), "messages": msgs})
}

func (h *Handler) listFindings(c *gin.Context) {
	findings, err := h.Service.ListFindings(c.Request.Context(), c.Param("id"))
	if err != nil {
		findingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": c.Param("id"), "findings": findings})
}

func (h *Handler) forgetFindings(c *gin.Context) {
	deleted, err := h.Service.ForgetFindings(c.Request.Context(), c.Param("id"))
	if err != nil {
		findingsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": c.Param("id"), "deleted": deleted})
}

func findingsError(c *gin.Context, err error) {
	if errors.Is(err, ErrFindingsDisabled) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *Handler) listRuns(c *gin.Context) {
	runs, err := h.Service.ListRuns(c.Request.Context(), c.Query("thread_id"))
	if err != nil {
		runsError(c, err)
		return
	}
	// Return empty list instead of null
	if runs == nil {
		runs = []database.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	run, err := h.Service.GetRun(c.Request.Context(), id)
	if err != nil {
		runsError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) getRunLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return
	}

	logs, err := h.Service.GetRunLogs(c.Request.Context(), id)
	if err != nil {
		runsError(c, err)
		return
	}
	if logs == nil {
		logs = []database.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

func runsError(c *gin.Context, err error) {
	if errors.Is(err, ErrRunsDisabled) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
