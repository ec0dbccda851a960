// Package mcpserver exposes image generation as an MCP tool over streamable HTTP.
package mcpserver

import (
	"context"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/kiegate/core/logx"
	"github.com/gaspardpetit/kiegate/internal/kie"
)

// ToolGenerateImage is the name of the generation tool.
const ToolGenerateImage = "generate_image"

// Generator produces an upstream response for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*kie.Response, error)
}

// NewServer returns an MCP server with the generate_image tool registered.
func NewServer(gen Generator, defaultPrompt, version string) *sdkserver.MCPServer {
	srv := sdkserver.NewMCPServer(
		"kiegate",
		version,
		sdkserver.WithToolCapabilities(false),
		sdkserver.WithRecovery(),
	)
	tool := mcp.NewTool(ToolGenerateImage,
		mcp.WithDescription("Generate an image from a text prompt with kie.ai. Returns the raw JSON response."),
		mcp.WithString("prompt",
			mcp.Description("Text prompt describing the image. Defaults to \""+defaultPrompt+"\"."),
		),
	)
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt := req.GetString("prompt", defaultPrompt)
		res, err := gen.Generate(ctx, prompt)
		if err != nil {
			logx.Log.Warn().Err(err).Str("request_id", chiMiddleware.GetReqID(ctx)).Str("tool", ToolGenerateImage).Msg("upstream call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(res.Body)), nil
	})
	return srv
}

// NewHandler constructs a Streamable HTTP MCP handler serving NewServer.
// Tool calls run on the HTTP request context, so the request ID set by the
// router middleware reaches the tool logs.
func NewHandler(gen Generator, defaultPrompt, version string) http.Handler {
	return sdkserver.NewStreamableHTTPServer(NewServer(gen, defaultPrompt, version))
}
