package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecommendTool(t *testing.T) {
	tool := recommendTool(newTestService(t, &stubLLM{}, nil))

	result, out, err := tool(context.Background(), nil, RecommendInput{Message: "10만원 키보드", ThreadID: "t-mcp", MaxSearchLoops: 1})
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "1. Keyboard A", out.Message)
	assert.Equal(t, "t-mcp", out.ThreadID)

	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &resp))
	assert.Equal(t, out.RunID, resp.RunID)
}

func TestRecommendToolErrors(t *testing.T) {
	tests := []struct {
		name    string
		llm     *stubLLM
		input   RecommendInput
		message string
	}{
		{"empty message", &stubLLM{}, RecommendInput{}, "invalid input: message must not be empty"},
		{"turn failure", &stubLLM{failOn: agent.StageReflect}, RecommendInput{Message: "10만원 키보드"}, FailureMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := recommendTool(newTestService(t, tt.llm, nil))

			result, _, err := tool(context.Background(), nil, tt.input)
			require.NoError(t, err)
			assert.True(t, result.IsError)
			require.Len(t, result.Content, 1)
			assert.Equal(t, tt.message, result.Content[0].(*mcp.TextContent).Text)
		})
	}
}
