// Package mcptool adapts an MCP tool server into a registry provider.
//
// Each configured server runs as a child process speaking MCP over stdio.
// Its tools become the provider's capabilities; declared costs are read from
// the tool's structured output.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/registry"
)

// Config describes one MCP tool server.
type Config struct {
	Descriptor registry.Descriptor `koanf:"descriptor"`
	Command    string              `koanf:"command"`
	Args       []string            `koanf:"args"`
}

// Provider is a registry provider backed by one MCP server session.
type Provider struct {
	desc    registry.Descriptor
	session *mcp.ClientSession
	logger  *zap.Logger
}

// Connect launches the configured server and performs the MCP handshake.
// When the descriptor declares no capabilities, the server's tool list is
// used instead.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Command == "" {
		return nil, errors.New("command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "missiond",
		Version: "1.0.0",
	}, nil)

	transport := &mcp.CommandTransport{
		Command: exec.Command(cfg.Command, cfg.Args...),
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	desc := cfg.Descriptor
	if len(desc.Capabilities) == 0 {
		tools, err := session.ListTools(ctx, nil)
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		for _, t := range tools.Tools {
			desc.Capabilities = append(desc.Capabilities, t.Name)
		}
	}

	logger.Info("MCP provider connected",
		zap.String("provider", desc.Name),
		zap.String("command", cfg.Command),
		zap.Strings("capabilities", desc.Capabilities))

	return &Provider{desc: desc, session: session, logger: logger}, nil
}

// Descriptor implements registry.Provider.
func (p *Provider) Descriptor() registry.Descriptor { return p.desc }

// Call implements registry.Provider. Transport failures are transient; a
// tool-reported error is permanent since retrying the same arguments would
// reproduce it.
func (p *Provider) Call(ctx context.Context, op string, args map[string]any) (*registry.Result, error) {
	res, err := p.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      op,
		Arguments: args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", registry.ErrTransient, err)
	}

	if res.IsError {
		return nil, fmt.Errorf("%w: %s", registry.ErrPermanent, contentText(res))
	}

	return &registry.Result{
		Payload: []byte(contentText(res)),
		Cost:    declaredCost(res),
	}, nil
}

// Close shuts down the server session.
func (p *Provider) Close() error {
	return p.session.Close()
}

func contentText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// declaredCost reads a "cost" field from the tool's structured output.
// Tools that declare nothing cost nothing.
func declaredCost(res *mcp.CallToolResult) decimal.Decimal {
	if res.StructuredContent == nil {
		return decimal.Zero
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		return decimal.Zero
	}
	var out struct {
		Cost json.Number `json:"cost"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Cost == "" {
		return decimal.Zero
	}
	cost, err := decimal.NewFromString(out.Cost.String())
	if err != nil || cost.IsNegative() {
		return decimal.Zero
	}
	return cost
}
