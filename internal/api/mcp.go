package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/friday/internal/orchestrator"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *orchestrator.Service
	// Principal owns the sessions created and used over MCP.
	Principal string
	Version   string
}

// NewMCPServer creates an MCP server exposing the generation operations as
// tools and the model catalog as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"friday",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("friday answers questions, reasons step by step and generates images with Gemini models."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a model a single question without conversation context."),
			mcp.WithString("model", mcp.Description("Model identifier from friday://models"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("reason",
			mcp.WithDescription("Ask a thinking model and return its reasoning trace alongside the answer."),
			mcp.WithString("question", mcp.Description("The question to reason about"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Thinking model identifier (optional)")),
		),
		mcpReason(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_image",
			mcp.WithDescription("Generate images from a prompt and return the ids they are stored under."),
			mcp.WithString("prompt", mcp.Description("Image description"), mcp.Required()),
		),
		mcpGenerateImage(deps),
	)

	s.AddTool(
		mcp.NewTool("session_message",
			mcp.WithDescription("Send a message to a conversation session. Omit session_id to start a new one."),
			mcp.WithString("question", mcp.Description("The message to send"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session id")),
			mcp.WithString("model", mcp.Description("Model for a new session or to override the session's model")),
		),
		mcpSessionMessage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"friday://models",
			"Models",
			mcp.WithResourceDescription("Available models and their capabilities"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceModels(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		res, err := deps.Service.Ask(ctx, orchestrator.AskInput{Model: model, Question: question})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if res.Status == orchestrator.StatusNoContent {
			return mcpText(res.Message), nil
		}
		return mcpText(res.Text), nil
	}
}

func mcpReason(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		res, err := deps.Service.Reason(ctx, orchestrator.ReasonInput{
			Model:    req.GetString("model", ""),
			Question: question,
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(res)
	}
}

func mcpGenerateImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		res, err := deps.Service.GenerateImage(ctx, orchestrator.ImageInput{Prompt: prompt})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(res)
	}
}

type mcpSessionResult struct {
	SessionID string `json:"session_id"`
	orchestrator.SessionResult
}

func mcpSessionMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		model := req.GetString("model", "")
		sessionID := req.GetString("session_id", "")

		if sessionID == "" {
			if model == "" {
				return mcpError("model is required to start a session"), nil
			}
			if _, err := deps.Service.Catalog().Lookup(model); err != nil {
				return mcpError(err.Error()), nil
			}
			sess, err := deps.Service.History().CreateSession(ctx, model, deps.Principal)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to create session: %v", err)), nil
			}
			sessionID = sess.ID
		}

		res, err := deps.Service.SessionMessage(ctx, orchestrator.SessionInput{
			SessionID: sessionID,
			Principal: deps.Principal,
			Model:     model,
			Question:  question,
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(mcpSessionResult{SessionID: sessionID, SessionResult: res})
	}
}

type modelInfo struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Capabilities string `json:"capabilities"`
}

func modelInfos(svc *orchestrator.Service) []modelInfo {
	models := svc.Catalog().Models()
	out := make([]modelInfo, len(models))
	for i, m := range models {
		out[i] = modelInfo{ID: m.ID, Label: m.Capabilities.Label(), Capabilities: m.Capabilities.String()}
	}
	return out
}

func mcpResourceModels(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(modelInfos(deps.Service))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal models: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
