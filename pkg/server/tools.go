// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/notehive/pkg/vault"
)

// Scheduler queues a vault mutation for the next commit batch.
type Scheduler interface {
	Schedule(description string)
}

// toolHandler executes the note tools for a single transport session.
// Every session gets its own instance; the vault and scheduler behind it
// are the process-wide singletons.
type toolHandler struct {
	vault *vault.Vault
	sched Scheduler
}

func newToolHandler(v *vault.Vault, sched Scheduler) *toolHandler {
	return &toolHandler{vault: v, sched: sched}
}

// noteTools returns the per-session tool set backed by the given handler.
func noteTools(h *toolHandler) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.Tool{
				Name:        "read_note",
				Description: "Read the contents of a Markdown note in the vault",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Vault-relative path of the note, e.g. 'projects/roadmap.md'",
						},
					},
					Required: []string{"path"},
				},
			},
			Handler: h.readNote,
		},
		{
			Tool: mcp.Tool{
				Name:        "write_note",
				Description: "Create or overwrite a Markdown note; parent directories are created as needed",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Vault-relative path of the note",
						},
						"content": map[string]interface{}{
							"type":        "string",
							"description": "Full Markdown content to store",
						},
					},
					Required: []string{"path", "content"},
				},
			},
			Handler: h.writeNote,
		},
		{
			Tool: mcp.Tool{
				Name:        "delete_note",
				Description: "Delete a Markdown note from the vault",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Vault-relative path of the note",
						},
					},
					Required: []string{"path"},
				},
			},
			Handler: h.deleteNote,
		},
		{
			Tool: mcp.Tool{
				Name:        "list_notes",
				Description: "List all Markdown notes in the vault, optionally under a subdirectory",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"dir": map[string]interface{}{
							"type":        "string",
							"description": "Optional vault-relative directory to list",
						},
					},
				},
			},
			Handler: h.listNotes,
		},
		{
			Tool: mcp.Tool{
				Name:        "search_notes",
				Description: "Search all notes for lines containing a query string, case-insensitively",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"query": map[string]interface{}{
							"type":        "string",
							"description": "Text to search for",
						},
						"max_results": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum number of matching lines to return",
						},
					},
					Required: []string{"query"},
				},
			},
			Handler: h.searchNotes,
		},
		{
			Tool: mcp.Tool{
				Name:        "get_tags",
				Description: "List every tag used in the vault with its occurrence count",
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]interface{}{},
				},
			},
			Handler: h.getTags,
		},
		{
			Tool: mcp.Tool{
				Name:        "get_backlinks",
				Description: "List the notes that link to the given note via [[wiki-links]]",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Vault-relative path of the target note",
						},
					},
					Required: []string{"path"},
				},
			},
			Handler: h.getBacklinks,
		},
	}
}

type readNoteArgs struct {
	Path string `json:"path"`
}

func (h *toolHandler) readNote(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args readNoteArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	content, err := h.vault.ReadNote(args.Path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

type writeNoteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *toolHandler) writeNote(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args writeNoteArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	abs, err := h.vault.Resolve(args.Path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rel := h.vault.Rel(abs)

	created, err := h.vault.WriteNote(args.Path, args.Content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if created {
		h.sched.Schedule("Create " + rel)
		return mcp.NewToolResultText("Created " + rel), nil
	}
	h.sched.Schedule("Update " + rel)
	return mcp.NewToolResultText("Updated " + rel), nil
}

type deleteNoteArgs struct {
	Path string `json:"path"`
}

func (h *toolHandler) deleteNote(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args deleteNoteArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	abs, err := h.vault.Resolve(args.Path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rel := h.vault.Rel(abs)

	if err := h.vault.DeleteNote(args.Path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	h.sched.Schedule("Delete " + rel)
	return mcp.NewToolResultText("Deleted " + rel), nil
}

type listNotesArgs struct {
	Dir string `json:"dir"`
}

type listNotesResponse struct {
	Notes []string `json:"notes"`
	Count int      `json:"count"`
}

func (h *toolHandler) listNotes(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listNotesArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	notes, err := h.vault.ListNotes(args.Dir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if notes == nil {
		notes = []string{}
	}
	return mcp.NewToolResultStructuredOnly(listNotesResponse{Notes: notes, Count: len(notes)}), nil
}

type searchNotesArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchNotesResponse struct {
	Results []vault.SearchResult `json:"results"`
	Count   int                  `json:"count"`
}

func (h *toolHandler) searchNotes(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args searchNotesArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	results, err := h.vault.SearchNotes(args.Query, args.MaxResults)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if results == nil {
		results = []vault.SearchResult{}
	}
	return mcp.NewToolResultStructuredOnly(searchNotesResponse{Results: results, Count: len(results)}), nil
}

type tagsResponse struct {
	Tags map[string]int `json:"tags"`
}

func (h *toolHandler) getTags(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags, err := h.vault.Tags()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultStructuredOnly(tagsResponse{Tags: tags}), nil
}

type backlinksArgs struct {
	Path string `json:"path"`
}

type backlinksResponse struct {
	Backlinks []string `json:"backlinks"`
	Count     int      `json:"count"`
}

func (h *toolHandler) getBacklinks(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args backlinksArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	links, err := h.vault.Backlinks(args.Path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if links == nil {
		links = []string{}
	}
	return mcp.NewToolResultStructuredOnly(backlinksResponse{Backlinks: links, Count: len(links)}), nil
}
