package bridge

import "github.com/ensemble-ai/ensemble/internal/core"

// schema builds a JSON-Schema object for a tool. Every editor tool
// requires workflow_id; workspace_path scopes the call to an isolated
// clone.
func schema(required []string, props map[string]interface{}) map[string]interface{} {
	base := map[string]interface{}{
		"workflow_id": map[string]interface{}{
			"type":        "string",
			"description": "Workflow scoping the editor operation.",
		},
		"workspace_path": map[string]interface{}{
			"type":        "string",
			"description": "Isolated workspace root; omit for the shared working tree.",
		},
	}
	for k, v := range props {
		base[k] = v
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": base,
		"required":   required,
	}
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func boolProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

func intProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": desc}
}

// Catalogue returns the fixed tool set advertised to agents. Tool names
// are part of the external interface.
func Catalogue() []core.ToolSpec {
	return []core.ToolSpec{
		{
			Name:        "editor_browse_directory",
			Description: "List files and directories in the workspace.",
			InputSchema: schema([]string{"workflow_id"}, map[string]interface{}{
				"path":           strProp("Directory to list, relative to the workspace root."),
				"include_hidden": boolProp("Include dotfiles in the listing."),
			}),
		},
		{
			Name:        "editor_read_file",
			Description: "Read a file's contents and metadata.",
			InputSchema: schema([]string{"workflow_id", "file_path"}, map[string]interface{}{
				"file_path": strProp("File to read, relative to the workspace root."),
			}),
		},
		{
			Name:        "editor_create_change",
			Description: "Apply a file mutation (create, update, delete, move) as a reviewable change.",
			InputSchema: schema([]string{"workflow_id", "file_path", "operation"}, map[string]interface{}{
				"file_path":     strProp("Target file, relative to the workspace root."),
				"operation":     strProp("One of create, update, delete, move."),
				"new_content":   strProp("New file content (create, update, optionally move)."),
				"old_path":      strProp("Source path for move operations."),
				"generate_diff": boolProp("Include a unified diff in the change record."),
			}),
		},
		{
			Name:        "editor_get_changes",
			Description: "List tracked changes, optionally filtered by status.",
			InputSchema: schema([]string{"workflow_id"}, map[string]interface{}{
				"status": strProp("Filter: pending, approved, or rejected."),
			}),
		},
		{
			Name:        "editor_search_files",
			Description: "Search file contents for a substring.",
			InputSchema: schema([]string{"workflow_id", "query"}, map[string]interface{}{
				"query":          strProp("Substring to search for."),
				"path":           strProp("Directory to search under."),
				"case_sensitive": boolProp("Match case exactly."),
			}),
		},
		{
			Name:        "editor_find_files",
			Description: "Fuzzy-find files by path name.",
			InputSchema: schema([]string{"workflow_id", "query"}, map[string]interface{}{
				"query": strProp("Fuzzy pattern matched against file paths."),
				"limit": intProp("Maximum matches to return."),
			}),
		},
		{
			Name:        "editor_get_tree",
			Description: "Recursive directory tree of the workspace.",
			InputSchema: schema([]string{"workflow_id"}, map[string]interface{}{
				"max_depth": intProp("Maximum recursion depth."),
			}),
		},
		{
			Name:        "editor_approve_change",
			Description: "Approve a pending change (metadata only; the mutation is already applied).",
			InputSchema: schema([]string{"workflow_id", "change_id"}, map[string]interface{}{
				"change_id": strProp("Change to approve."),
			}),
		},
		{
			Name:        "editor_reject_change",
			Description: "Reject a pending change and revert its disk mutation.",
			InputSchema: schema([]string{"workflow_id", "change_id"}, map[string]interface{}{
				"change_id": strProp("Change to reject."),
			}),
		},
		{
			Name:        "editor_create_directory",
			Description: "Create a directory tree in the workspace.",
			InputSchema: schema([]string{"workflow_id", "path"}, map[string]interface{}{
				"path": strProp("Directory to create, relative to the workspace root."),
			}),
		},
		{
			Name:        "editor_move_file",
			Description: "Move or rename a file as a reviewable change.",
			InputSchema: schema([]string{"workflow_id", "old_path", "new_path"}, map[string]interface{}{
				"old_path": strProp("Current path."),
				"new_path": strProp("Destination path."),
			}),
		},
		{
			Name:        "editor_delete_file",
			Description: "Delete a file as a reviewable change.",
			InputSchema: schema([]string{"workflow_id", "file_path"}, map[string]interface{}{
				"file_path": strProp("File to delete."),
			}),
		},
	}
}
