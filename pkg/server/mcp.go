package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mikeboe/product-recommender/pkg/agent"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	recommendToolName        = "recommend_products"
	recommendToolDescription = "Recommend products for a shopping request. Searches Korean review and community sites, and returns recommendations with source links. Vague requests return a clarification question instead; answer it by calling the tool again with the same thread_id."
)

// RecommendInput is the input of the recommend_products tool.
type RecommendInput struct {
	Message          string `json:"message" jsonschema:"the shopping request, e.g. a category with budget or purpose"`
	ThreadID         string `json:"thread_id,omitempty" jsonschema:"conversation id returned by an earlier call, to continue that conversation"`
	MaxSearchQueries int    `json:"max_search_queries,omitempty" jsonschema:"number of parallel searches per round (1-10)"`
	MaxSearchLoops   int    `json:"max_search_loops,omitempty" jsonschema:"maximum number of search rounds (1-5)"`
}

// NewMCPHandler exposes the service as an MCP tool over streamable HTTP.
func NewMCPHandler(svc *Service, version string) http.Handler {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "product-recommender",
			Version: version,
		},
		&mcp.ServerOptions{},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        recommendToolName,
		Description: recommendToolDescription,
	}, recommendTool(svc))

	return mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server {
			return server
		},
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)
}

func recommendTool(svc *Service) func(context.Context, *mcp.CallToolRequest, RecommendInput) (*mcp.CallToolResult, ChatResponse, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RecommendInput) (*mcp.CallToolResult, ChatResponse, error) {
		req := ChatRequest{Message: input.Message, ThreadID: input.ThreadID}
		if input.MaxSearchQueries > 0 {
			req.MaxSearchQueries = &input.MaxSearchQueries
		}
		if input.MaxSearchLoops > 0 {
			req.MaxSearchLoops = &input.MaxSearchLoops
		}

		resp, err := svc.Chat(ctx, req)
		if err != nil {
			msg := FailureMessage
			if errors.Is(err, agent.ErrInvalidInput) {
				msg = err.Error()
			}
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{
					&mcp.TextContent{Text: msg},
				},
			}, ChatResponse{}, nil
		}

		jsonBytes, err := json.Marshal(resp)
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{
					&mcp.TextContent{Text: fmt.Sprintf("Failed to serialize response: %v", err)},
				},
			}, ChatResponse{}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: string(jsonBytes)},
			},
		}, *resp, nil
	}
}
