package mcp

import "github.com/mark3labs/mcp-go/mcp"

// recentActivityTool defines the recent_activity MCP tool.
var recentActivityTool = mcp.NewTool("recent_activity",
	mcp.WithDescription("List the most recent developer activity: prompts, file changes and terminal commands, newest first."),
	mcp.WithString("workspace",
		mcp.Description("Only return activity for this workspace root"),
	),
	mcp.WithString("kind",
		mcp.Description("Only return one kind of activity"),
		mcp.Enum("prompt", "file_change", "terminal", "status"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)"),
	),
)

// searchPromptsTool defines the search_prompts MCP tool.
var searchPromptsTool = mcp.NewTool("search_prompts",
	mcp.WithDescription("Search past prompts by text. Returns matching prompts with their conversation and workspace."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("Text to look for in prompt bodies"),
	),
	mcp.WithString("workspace",
		mcp.Description("Only search prompts from this workspace root"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of results to return (default 10)"),
	),
)

// fileUsageTool defines the file_usage MCP tool.
var fileUsageTool = mcp.NewTool("file_usage",
	mcp.WithDescription("Rank files by how often they were edited or sent as context."),
	mcp.WithString("workspace",
		mcp.Description("Only rank files from this workspace root"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of files to return (default 20)"),
	),
)

// listMotifsTool defines the list_motifs MCP tool.
var listMotifsTool = mcp.NewTool("list_motifs",
	mcp.WithDescription("List recurring workflow patterns mined from prompt, edit and command sequences."),
)

// promptContextTool defines the prompt_context MCP tool.
var promptContextTool = mcp.NewTool("prompt_context",
	mcp.WithDescription("Show a prompt with the context files that were added or removed when it was sent."),
	mcp.WithString("prompt_id",
		mcp.Required(),
		mcp.Description("ID of the prompt"),
	),
)

// listWorkspacesTool defines the list_workspaces MCP tool.
var listWorkspacesTool = mcp.NewTool("list_workspaces",
	mcp.WithDescription("List known workspaces with activity counts, most recently active first."),
)
