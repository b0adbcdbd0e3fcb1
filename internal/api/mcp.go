package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/replyd/internal/generation"
	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/quota"
	"github.com/kalambet/replyd/internal/stream"
)

// MCPDeps holds dependencies for the MCP server. Every call acts for
// AccountID.
type MCPDeps struct {
	Generator Generator
	Ledger    quota.Ledger
	History   HistoryReader
	AccountID string
}

// NewMCPServer creates an MCP server with the replyd tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"replyd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("replyd drafts several alternative replies to a client message. Each call uses one generation from the monthly allowance."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("draft_replies",
			mcp.WithDescription("Draft alternative replies to a client message and return them with tone, length and confidence."),
			mcp.WithString("message", mcp.Description("The client message to answer"), mcp.Required()),
			mcp.WithString("urgency", mcp.Description("How urgent the message is"), mcp.Enum("low", "normal", "high", "critical")),
			mcp.WithString("message_type", mcp.Description("What kind of message it is"), mcp.Enum("question", "request", "complaint", "update", "feedback", "other")),
			mcp.WithString("relationship_stage", mcp.Description("Where the client relationship stands"), mcp.Enum("new", "active", "established", "at_risk")),
			mcp.WithString("project_phase", mcp.Description("Current project phase"), mcp.Enum("discovery", "proposal", "in_progress", "review", "delivered", "maintenance")),
			mcp.WithNumber("variants", mcp.Description("Number of alternative replies (default 3)")),
		),
		mcpDraftReplies(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_status",
			mcp.WithDescription("Show how many generations are left this month."),
		),
		mcpQuotaStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"history://recent",
			"Recent Generations",
			mcp.WithResourceDescription("Last 10 generation requests with their replies"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type draftVariant struct {
	Index    int              `json:"index"`
	Status   string           `json:"status"`
	Text     string           `json:"text"`
	Metadata *stream.Metadata `json:"metadata,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func mcpDraftReplies(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		greq := generation.Request{
			ID:        uuid.New().String(),
			AccountID: deps.AccountID,
			Message:   message,
			Tags: prompt.Tags{
				Urgency:           prompt.Urgency(req.GetString("urgency", "")),
				MessageType:       prompt.MessageType(req.GetString("message_type", "")),
				RelationshipStage: prompt.RelationshipStage(req.GetString("relationship_stage", "")),
				ProjectPhase:      prompt.ProjectPhase(req.GetString("project_phase", "")),
			},
			Variants: req.GetInt("variants", 0),
		}

		sink := generation.NewCollector()
		sum, err := deps.Generator.Run(ctx, greq, sink)
		if f, ok := sink.Demux().RequestError(); ok {
			return mcpError(f.Message), nil
		}
		if errors.Is(err, generation.ErrInvalidRequest) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		out := struct {
			ID       string         `json:"id"`
			Cost     float64        `json:"cost"`
			Variants []draftVariant `json:"variants"`
		}{ID: sum.RequestID, Cost: sum.Cost}
		for _, v := range sink.Demux().Variants() {
			out.Variants = append(out.Variants, draftVariant{
				Index:    v.Index,
				Status:   string(v.State),
				Text:     v.Text(),
				Metadata: v.Metadata,
				Error:    v.Error,
			})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal replies: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQuotaStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Ledger.State(ctx, deps.AccountID)
		if errors.Is(err, quota.ErrAccountNotFound) {
			return mcpError(fmt.Sprintf("account %q has no quota; create it with `replyd account set`", deps.AccountID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read quota: %v", err)), nil
		}

		b, err := json.Marshal(quotaResponse{State: st, Remaining: st.Remaining()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal quota: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.History.List(ctx, deps.AccountID, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list generations: %w", err)
		}

		type generationSummary struct {
			ID        string   `json:"id"`
			CreatedAt string   `json:"created_at"`
			Status    string   `json:"status"`
			Message   string   `json:"message"`
			Replies   []string `json:"replies"`
		}

		summaries := make([]generationSummary, len(recs))
		for i, rec := range recs {
			s := generationSummary{
				ID:        rec.ID,
				CreatedAt: rec.CreatedAt.Format(time.RFC3339),
				Status:    rec.Status,
				Message:   truncate(rec.Message, 200),
				Replies:   []string{},
			}
			for _, v := range rec.Variants {
				if v.Text != "" {
					s.Replies = append(s.Replies, v.Text)
				}
			}
			summaries[i] = s
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal generations: %w", err)
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

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
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
