package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/query"
	"github.com/ziadkadry99/devtrail/internal/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func setupServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	clk := clock.NewFake(t0)
	s, err := store.NewStore(context.Background(), database, clk)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewServer(query.New(query.DefaultConfig(), s, clk, nil)), s
}

func write(t *testing.T, s *store.Store, fn func(tx *store.Tx) error) {
	t.Helper()
	if _, err := s.Write(context.Background(), fn); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func seed(t *testing.T, s *store.Store) store.Prompt {
	t.Helper()
	p := store.Prompt{CreatedAt: t0, Workspace: "/ws", Text: "make the uploader retry on 503", ConversationID: "c1"}
	write(t, s, func(tx *store.Tx) error {
		if _, err := tx.InsertPrompt(&p); err != nil {
			return err
		}
		if _, err := tx.InsertPrompt(&store.Prompt{CreatedAt: t0.Add(time.Minute), Workspace: "/ws", Text: "write a changelog"}); err != nil {
			return err
		}
		fc := &store.FileChange{CreatedAt: t0.Add(10 * time.Second), Workspace: "/ws", Path: "upload.go",
			AfterHash: "h2", BeforeHash: "h1", LinesAdded: 12, ChangeType: store.ChangeModify, PromptID: p.ID}
		if _, err := tx.InsertFileChange(fc); err != nil {
			return err
		}
		a := &store.Activity{CreatedAt: t0, Workspace: "/ws", Kind: store.ActivityPrompt, RefID: p.ID, PromptID: p.ID, Summary: p.Text}
		if _, err := tx.InsertActivity(a); err != nil {
			return err
		}
		a = &store.Activity{CreatedAt: t0.Add(10 * time.Second), Workspace: "/ws", Kind: store.ActivityFileChange, RefID: fc.ID, PromptID: p.ID, Summary: "modified upload.go"}
		_, err := tx.InsertActivity(a)
		return err
	})
	return p
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), result.IsError
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name     string
		tool     mcp.Tool
		wantName string
	}{
		{"recent_activity", recentActivityTool, "recent_activity"},
		{"search_prompts", searchPromptsTool, "search_prompts"},
		{"file_usage", fileUsageTool, "file_usage"},
		{"list_motifs", listMotifsTool, "list_motifs"},
		{"prompt_context", promptContextTool, "prompt_context"},
		{"list_workspaces", listWorkspacesTool, "list_workspaces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.tool.Name != tt.wantName {
				t.Errorf("tool name = %q, want %q", tt.tool.Name, tt.wantName)
			}
			if tt.tool.Description == "" {
				t.Error("tool description should not be empty")
			}
		})
	}
}

func TestNewServer(t *testing.T) {
	srv, _ := setupServer(t)
	if srv.mcp == nil {
		t.Fatal("MCP server not initialized")
	}
	if srv.query == nil {
		t.Fatal("query service not set")
	}
}

func TestHandleRecentActivity(t *testing.T) {
	srv, s := setupServer(t)

	text, isErr := call(t, srv.handleRecentActivity, map[string]any{})
	if isErr || !strings.Contains(text, "No activity") {
		t.Errorf("expected empty message, got %q", text)
	}

	// A fresh server so the empty result is not served from cache.
	srv = NewServer(query.New(query.DefaultConfig(), s, clock.NewFake(t0), nil))
	p := seed(t, s)

	text, isErr = call(t, srv.handleRecentActivity, map[string]any{"workspace": "/ws"})
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if !strings.Contains(text, "modified upload.go") || !strings.Contains(text, p.Text) {
		t.Errorf("expected both entries, got %q", text)
	}
	if strings.Index(text, "modified upload.go") > strings.Index(text, p.Text) {
		t.Error("expected newest entry first")
	}

	text, _ = call(t, srv.handleRecentActivity, map[string]any{"kind": "file_change"})
	if strings.Contains(text, p.Text) {
		t.Errorf("kind filter leaked prompt activity: %q", text)
	}
}

func TestHandleSearchPrompts(t *testing.T) {
	srv, s := setupServer(t)
	p := seed(t, s)

	t.Run("match", func(t *testing.T) {
		text, isErr := call(t, srv.handleSearchPrompts, map[string]any{"query": "uploader"})
		if isErr {
			t.Fatalf("unexpected tool error: %s", text)
		}
		if !strings.Contains(text, "Found 1 prompt") || !strings.Contains(text, p.ID) {
			t.Errorf("unexpected result: %q", text)
		}
	})

	t.Run("no match", func(t *testing.T) {
		text, isErr := call(t, srv.handleSearchPrompts, map[string]any{"query": "kubernetes"})
		if isErr || !strings.Contains(text, "No prompts matching") {
			t.Errorf("unexpected result: %q", text)
		}
	})

	t.Run("missing query", func(t *testing.T) {
		if _, isErr := call(t, srv.handleSearchPrompts, map[string]any{}); !isErr {
			t.Error("expected error for missing query")
		}
	})
}

func TestHandleFileUsage(t *testing.T) {
	srv, s := setupServer(t)
	seed(t, s)

	text, isErr := call(t, srv.handleFileUsage, map[string]any{"workspace": "/ws", "limit": 5})
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if !strings.Contains(text, "1. upload.go") || !strings.Contains(text, "+12/-0") {
		t.Errorf("unexpected ranking: %q", text)
	}
}

func TestHandleListMotifs(t *testing.T) {
	srv, s := setupServer(t)

	text, isErr := call(t, srv.handleListMotifs, nil)
	if isErr || !strings.Contains(text, "No recurring patterns") {
		t.Errorf("expected empty message, got %q", text)
	}

	srv = NewServer(query.New(query.DefaultConfig(), s, clock.NewFake(t0), nil))
	write(t, s, func(tx *store.Tx) error {
		return tx.ReplaceMotifs([]store.Motif{{
			ClusterID:           3,
			RepresentativeDAGID: "dag-1",
			MemberDAGIDs:        []string{"dag-1", "dag-2"},
			Actions:             []string{"prompt", "edit", "test"},
		}})
	})

	text, isErr = call(t, srv.handleListMotifs, nil)
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if !strings.Contains(text, "Motif 3 (2 sessions)") || !strings.Contains(text, "prompt -> edit -> test") {
		t.Errorf("unexpected motif output: %q", text)
	}
}

func TestHandlePromptContext(t *testing.T) {
	srv, s := setupServer(t)
	p := seed(t, s)

	text, isErr := call(t, srv.handlePromptContext, map[string]any{"prompt_id": p.ID})
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if !strings.Contains(text, p.Text) || !strings.Contains(text, "No context changes") {
		t.Errorf("unexpected output: %q", text)
	}

	if _, isErr := call(t, srv.handlePromptContext, map[string]any{"prompt_id": "nope"}); !isErr {
		t.Error("expected error for unknown prompt")
	}
	if _, isErr := call(t, srv.handlePromptContext, map[string]any{}); !isErr {
		t.Error("expected error for missing prompt_id")
	}
}

func TestHandleListWorkspaces(t *testing.T) {
	srv, s := setupServer(t)
	seed(t, s)

	text, isErr := call(t, srv.handleListWorkspaces, nil)
	if isErr {
		t.Fatalf("unexpected tool error: %s", text)
	}
	if !strings.HasPrefix(text, "/ws\n") || !strings.Contains(text, "prompts=1 file_changes=1") {
		t.Errorf("unexpected output: %q", text)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, def, want int }{
		{0, 10, 10},
		{-3, 20, 20},
		{7, 10, 7},
		{5000, 10, store.MaxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in, tt.def); got != tt.want {
			t.Errorf("clampLimit(%d, %d) = %d, want %d", tt.in, tt.def, got, tt.want)
		}
	}
}
