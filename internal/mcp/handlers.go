package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// timeLayout is how timestamps appear in tool output.
const timeLayout = "2006-01-02 15:04:05"

// handleRecentActivity lists timeline entries newest first.
func (s *Server) handleRecentActivity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := store.ListFilter{
		Workspace: request.GetString("workspace", ""),
		Limit:     clampLimit(request.GetInt("limit", 20), 20),
	}
	if kind := request.GetString("kind", ""); kind != "" {
		f.Kinds = []string{kind}
	}

	page, err := s.query.Activities(ctx, f)
	if err != nil {
		return toolError("listing activity", err), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText("No activity recorded yet. Start `devtrail serve` to begin capturing."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d recent entr%s:\n", len(page.Items), plural(len(page.Items), "y", "ies")))
	for _, a := range page.Items {
		sb.WriteString(fmt.Sprintf("\n[%s] %s #%d", a.CreatedAt.Local().Format(timeLayout), a.Kind, a.Seq))
		if a.Workspace != "" {
			sb.WriteString(" in " + a.Workspace)
		}
		sb.WriteString("\n  " + a.Summary + "\n")
		if a.PromptID != "" && a.Kind != store.ActivityPrompt {
			sb.WriteString("  prompt: " + a.PromptID + "\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// handleSearchPrompts performs a substring search over prompt text.
func (s *Server) handleSearchPrompts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("query")
	if err != nil || strings.TrimSpace(q) == "" {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}

	prompts, err := s.query.SearchPrompts(ctx, q, request.GetString("workspace", ""), clampLimit(request.GetInt("limit", 10), 10))
	if err != nil {
		return toolError("search failed", err), nil
	}
	if len(prompts) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No prompts matching %q.", q)), nil
	}
	return mcp.NewToolResultText(formatPrompts(prompts)), nil
}

// handleFileUsage ranks files by edits and context appearances.
func (s *Server) handleFileUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	usage, err := s.query.FileUsage(ctx, request.GetString("workspace", ""), clampLimit(request.GetInt("limit", 20), 20))
	if err != nil {
		return toolError("ranking files", err), nil
	}
	if len(usage) == 0 {
		return mcp.NewToolResultText("No file activity recorded yet."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Top %d file(s):\n\n", len(usage)))
	for i, u := range usage {
		sb.WriteString(fmt.Sprintf("%d. %s  changes=%d +%d/-%d prompts=%d in_context=%d\n",
			i+1, u.Path, u.Changes, u.LinesAdded, u.LinesRemoved, u.Prompts, u.InContext))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// handleListMotifs renders the current motif clusters, largest first.
func (s *Server) handleListMotifs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	motifs, err := s.query.Motifs(ctx)
	if err != nil {
		return toolError("listing motifs", err), nil
	}
	if len(motifs) == 0 {
		return mcp.NewToolResultText("No recurring patterns found yet. Motifs appear once enough prompt sessions have been recorded."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d motif(s):\n", len(motifs)))
	for _, m := range motifs {
		sb.WriteString(fmt.Sprintf("\n--- Motif %d (%d sessions) ---\n", m.ClusterID, m.Size))
		sb.WriteString(strings.Join(m.Actions, " -> "))
		sb.WriteString("\n")
		sb.WriteString("Representative: " + m.RepresentativeDAGID + "\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// handlePromptContext shows one prompt and its context changes.
func (s *Server) handlePromptContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("prompt_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt_id"), nil
	}

	p, err := s.query.Prompt(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("No prompt with id %q.", id)), nil
		}
		return toolError("loading prompt", err), nil
	}
	deltas, err := s.query.ContextChanges(ctx, id)
	if err != nil {
		return toolError("loading context changes", err), nil
	}

	var sb strings.Builder
	sb.WriteString(formatPrompts([]store.Prompt{*p}))
	if len(deltas) == 0 {
		sb.WriteString("\nNo context changes recorded for this prompt.\n")
	}
	for _, d := range deltas {
		sb.WriteString(fmt.Sprintf("\nContext change #%d:\n", d.Seq))
		writeList(&sb, "added", d.Added)
		writeList(&sb, "removed", d.Removed)
		sb.WriteString(fmt.Sprintf("  unchanged: %d file(s)\n", len(d.Unchanged)))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// handleListWorkspaces lists workspaces with their counts.
func (s *Server) handleListWorkspaces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.query.Workspaces(ctx)
	if err != nil {
		return toolError("listing workspaces", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No workspaces recorded yet."), nil
	}

	var sb strings.Builder
	for _, w := range list {
		sb.WriteString(fmt.Sprintf("%s\n  prompts=%d file_changes=%d commands=%d last_active=%s\n",
			w.Workspace, w.Prompts, w.FileChanges, w.Commands, formatTime(w.LastActivity)))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// formatPrompts renders prompts for agent consumption.
func formatPrompts(prompts []store.Prompt) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d prompt(s):\n", len(prompts)))
	for i, p := range prompts {
		sb.WriteString(fmt.Sprintf("\n--- Prompt %d ---\n", i+1))
		sb.WriteString(fmt.Sprintf("ID: %s\n", p.ID))
		sb.WriteString(fmt.Sprintf("When: %s\n", formatTime(p.CreatedAt)))
		if p.Workspace != "" {
			sb.WriteString(fmt.Sprintf("Workspace: %s\n", p.Workspace))
		}
		if p.ConversationID != "" {
			sb.WriteString(fmt.Sprintf("Conversation: %s\n", p.ConversationID))
		}
		if p.Role != "" && p.Role != "user" {
			sb.WriteString(fmt.Sprintf("Role: %s\n", p.Role))
		}
		if len(p.Attachments) > 0 {
			sb.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(p.Attachments, ", ")))
		}
		sb.WriteString("\n")
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(fmt.Sprintf("  %s:\n", label))
	for _, it := range items {
		sb.WriteString("    " + it + "\n")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func toolError(what string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", what, apperr.Message(err)))
}

// clampLimit keeps tool limits inside the store's page bounds.
func clampLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > store.MaxLimit {
		return store.MaxLimit
	}
	return n
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
