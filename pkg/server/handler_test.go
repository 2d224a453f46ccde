package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/mikeboe/product-recommender/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, nil).RegisterRoutes(r)
	return r
}

func doJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestChatEndpointRejectsEmptyMessage(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	for _, body := range []string{`{"message": ""}`, `{"message": "   "}`, `not json`} {
		w := doJSON(r, http.MethodPost, "/api/v1/chat", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestChatEndpointRejectsOutOfRangeOverrides(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodPost, "/api/v1/chat", `{"message": "키보드", "max_search_queries": 50}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatEndpointCompletesTurn(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodPost, "/api/v1/chat", `{"message": "10만원 이하 게이밍 키보드 추천해줘", "thread_id": "t-http"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1. Keyboard A", resp.Message)
	assert.Equal(t, "t-http", resp.ThreadID)
	assert.NotEmpty(t, resp.SearchQueriesUsed)

	w = doJSON(r, http.MethodGet, "/api/v1/threads/t-http/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Messages []agent.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.Messages, 2)
}

func TestChatEndpointHidesFailureCause(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{failOn: agent.StageSynthesize}, nil))

	w := doJSON(r, http.MethodPost, "/api/v1/chat", `{"message": "10만원 키보드", "thread_id": "t-err"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, FailureMessage, body["error"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "t-err", body["thread_id"])
	assert.NotEmpty(t, body["run_id"])
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestMessagesUnknownThread(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodGet, "/api/v1/threads/nope/messages", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatStreamEndpoint(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodPost, "/api/v1/chat/stream", `{"message": "10만원 키보드"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []StreamEvent
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "final", last.Type)
	payload, ok := last.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1. Keyboard A", payload["message"])
}

func TestChatStreamEndpointRejectsEmptyMessage(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodPost, "/api/v1/chat/stream", `{"message": ""}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunsEndpoints(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, newMemoryRuns()))

	w := doJSON(r, http.MethodPost, "/api/v1/chat", `{"message": "10만원 키보드", "thread_id": "t-runs"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = doJSON(r, http.MethodGet, "/api/v1/runs?thread_id=t-runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.RunID)

	w = doJSON(r, http.MethodGet, "/api/v1/runs/"+resp.RunID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = doJSON(r, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Turn started")

	w = doJSON(r, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/runs/00000000-0000-0000-0000-000000000001", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunsEndpointsDisabled(t *testing.T) {
	r := newTestRouter(t, newTestService(t, &stubLLM{}, nil))

	w := doJSON(r, http.MethodGet, "/api/v1/runs", "")

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

type stubFindings struct {
	findings map[string][]memory.Finding
}

func (s *stubFindings) List(_ context.Context, threadID string) ([]memory.Finding, error) {
	out := s.findings[threadID]
	if out == nil {
		out = []memory.Finding{}
	}
	return out, nil
}

func (s *stubFindings) Forget(_ context.Context, threadID string) (int64, error) {
	n := int64(len(s.findings[threadID]))
	delete(s.findings, threadID)
	return n, nil
}

func TestFindingsEndpoints(t *testing.T) {
	svc := newTestService(t, &stubLLM{}, nil)
	r := newTestRouter(t, svc)

	w := doJSON(r, http.MethodGet, "/api/v1/threads/t-1/findings", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	svc.Findings = &stubFindings{findings: map[string][]memory.Finding{
		"t-1": {{Query: "keyboard", Content: "Keyboard A", SourceURLs: []string{"https://example.com/a"}}},
	}}

	w = doJSON(r, http.MethodGet, "/api/v1/threads/t-1/findings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"content":"Keyboard A"`)

	w = doJSON(r, http.MethodDelete, "/api/v1/threads/t-1/findings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"thread_id":"t-1","deleted":1}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/api/v1/threads/t-1/findings", "")
	assert.JSONEq(t, `{"thread_id":"t-1","findings":[]}`, w.Body.String())
}
