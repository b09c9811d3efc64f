package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/relay"
	"github.com/corvino/connectsphere/internal/transfer"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// prop is a shorthand for building a JSON Schema property.
func prop(typ, desc string) any {
	return map[string]any{
		"type":        typ,
		"description": desc,
	}
}

type tools struct {
	relay  *relay.Client
	engine *transfer.Engine
	room   string
}

func (t *tools) roomArg(request mcplib.CallToolRequest) string {
	return request.GetString("room", t.room)
}

// registerTools adds the media and call tools to the MCP server.
func registerTools(srv *mcpserver.MCPServer, t *tools) {
	// 1. upload_media
	srv.AddTool(mcplib.Tool{
		Name:        "upload_media",
		Description: "Upload a local file in chunks. Returns the chunk manifest needed to download it again.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path":         prop("string", "Local file path to upload"),
				"content_type": prop("string", "Optional MIME type (guessed from the extension if omitted)"),
			},
			Required: []string{"path"},
		},
	}, t.uploadMedia)

	// 2. download_media
	srv.AddTool(mcplib.Tool{
		Name:        "download_media",
		Description: "Download every chunk of a manifest concurrently and save the reassembled file.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"manifest":  prop("string", "Manifest JSON as returned by upload_media"),
				"save_path": prop("string", "Local path to save the file to"),
			},
			Required: []string{"manifest", "save_path"},
		},
	}, t.downloadMedia)

	// 3. list_participants
	srv.AddTool(mcplib.Tool{
		Name:        "list_participants",
		Description: "List the participants present on a channel, e.g. group-call:<room>.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"room": prop("string", "Channel name (defaults to the group call of the configured room)"),
			},
		},
	}, t.listParticipants)

	// 4. list_call_logs
	srv.AddTool(mcplib.Tool{
		Name:        "list_call_logs",
		Description: "List completed calls recorded in a conversation room.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"room":  prop("string", "Conversation room (defaults to the configured room)"),
				"limit": prop("number", "Maximum number of call records to return (default: 100)"),
			},
		},
	}, t.listCallLogs)
}

func (t *tools) uploadMedia(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	path := request.GetString("path", "")
	if path == "" {
		return mcplib.NewToolResultError("path is required"), nil
	}
	file, f, err := transfer.OpenFile(path, request.GetString("content_type", ""))
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	defer f.Close()

	manifest, err := t.engine.Upload(ctx, file, nil)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("failed to upload: %v", err)), nil
	}
	b, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	return mcplib.NewToolResultText(fmt.Sprintf("Uploaded %s (%d bytes, %d chunks)\nmanifest: %s", file.Name, file.Size, len(manifest), b)), nil
}

func (t *tools) downloadMedia(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("manifest", "")
	savePath := request.GetString("save_path", "")
	if raw == "" || savePath == "" {
		return mcplib.NewToolResultError("manifest and save_path are required"), nil
	}
	var manifest transfer.Manifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("invalid manifest: %v", err)), nil
	}

	obj, err := t.engine.DownloadManifest(ctx, manifest, transfer.ContentTypeFor(savePath), nil)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("failed to download: %v", err)), nil
	}
	defer obj.Release()
	if err := os.WriteFile(savePath, obj.Data, 0o644); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("failed to save: %v", err)), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("Saved %d bytes to %s", obj.Size(), savePath)), nil
}

func (t *tools) listParticipants(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	room := request.GetString("room", "")
	if room == "" && t.room != "" {
		room = protocol.GroupCallChannel(t.room)
	}
	if room == "" {
		return mcplib.NewToolResultError("room is required"), nil
	}

	list, err := t.relay.Presence(ctx, room)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("failed to list participants: %v", err)), nil
	}
	if len(list.Presence) == 0 {
		return mcplib.NewToolResultText(fmt.Sprintf("No participants on %s.", room)), nil
	}

	ids := make([]string, 0, len(list.Presence))
	for id := range list.Presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		meta := list.Presence[id]
		fmt.Fprintf(&sb, "%s", id)
		if name := meta["name"]; name != "" && name != id {
			fmt.Fprintf(&sb, " (%s)", name)
		}
		if media := meta["media"]; media != "" {
			fmt.Fprintf(&sb, " [%s]", media)
		}
		sb.WriteString("\n")
	}
	return mcplib.NewToolResultText(sb.String()), nil
}

func (t *tools) listCallLogs(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	room := t.roomArg(request)
	if room == "" {
		return mcplib.NewToolResultError("room is required"), nil
	}
	logs, err := t.relay.CallLogs(ctx, room, request.GetInt("limit", 100))
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("failed to list call logs: %v", err)), nil
	}
	if len(logs) == 0 {
		return mcplib.NewToolResultText("No calls recorded in this room."), nil
	}

	var sb strings.Builder
	for _, env := range logs {
		ts := env.Timestamp.Local().Format("2006-01-02 15:04:05")
		fmt.Fprintf(&sb, "[#%d %s] %s: %s\n", env.SeqNum, ts, env.Sender, protocol.Summary(env))
	}
	return mcplib.NewToolResultText(sb.String()), nil
}
