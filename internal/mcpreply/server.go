// Package mcpreply runs the worker-side MCP stdio server. Claude Code
// loads it as an MCP server inside the tmux session and calls send_reply
// to publish answers into the mailbox, which is far more reliable than
// having the relay scrape the pane.
package mcpreply

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sjoeboo/relaydeck/internal/bridge"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New builds the MCP server over the given mailbox dir. controlPort is
// the relay's control server port, used by the relay_status tool; 0
// disables it.
func New(mailboxDir string, controlPort int) (*server.MCPServer, error) {
	writer, err := bridge.NewWriter(mailboxDir)
	if err != nil {
		return nil, err
	}

	s := server.NewMCPServer(
		"relaydeck",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	sendReply := mcp.NewTool("send_reply",
		mcp.WithDescription("Send a reply back to the chat conversation that prompted you. "+
			"Use this for your final answer; long replies are split automatically."),
		mcp.WithString("session",
			mcp.Required(),
			mcp.Description("The relay session name, e.g. relaydeck_c1. Found in the RELAYDECK_SESSION env var."),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The reply text to deliver."),
		),
		mcp.WithString("type",
			mcp.Description("Envelope type: claude-response (default), text, or error."),
		),
	)
	s.AddTool(sendReply, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		typ := req.GetString("type", bridge.TypeClaudeResponse)
		switch typ {
		case bridge.TypeText, bridge.TypeClaudeResponse, bridge.TypeError:
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown type %q", typ)), nil
		}

		if err := writer.Write(session, content, typ); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("mailbox write failed: %v", err)), nil
		}
		return mcp.NewToolResultText("reply queued for delivery"), nil
	})

	if controlPort > 0 {
		statusTool := mcp.NewTool("relay_status",
			mcp.WithDescription("Fetch the relay's current status: buffered messages, live sessions, delivery counters."),
		)
		s.AddTool(statusTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", controlPort))
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("relay unreachable: %v", err)), nil
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("read status: %v", err)), nil
			}
			return mcp.NewToolResultText(string(body)), nil
		})
	}

	return s, nil
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

const instructions = `You are running inside a relaydeck-managed tmux session.
Chat messages arrive as prompts typed into your terminal. When you finish
a task that came from chat, call send_reply with the session name from the
RELAYDECK_SESSION environment variable so your answer reaches the person
who asked. Plain terminal output is only delivered on a best-effort basis.`
