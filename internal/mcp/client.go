package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/statebridge/internal/buildinfo"
	"github.com/nugget/statebridge/internal/config"
)

// toolSource is the part of an MCP client the bridge needs.
// *client.Client satisfies it.
type toolSource interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Server is an initialized connection to one MCP server.
type Server struct {
	Name   string
	client *client.Client
	info   mcp.Implementation
}

// Info returns the name and version the server reported.
func (s *Server) Info() mcp.Implementation { return s.info }

// Connect starts the transport described by cfg and performs the MCP
// initialize handshake. A config with a URL uses streamable HTTP;
// otherwise Command is launched as a stdio server.
func Connect(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)

	var (
		c   *client.Client
		err error
	)
	switch {
	case cfg.URL != "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create http client for %s: %w", cfg.Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http transport for %s: %w", cfg.Name, err)
		}
	case cfg.Command != "":
		// The stdio client starts the process itself.
		c, err = client.NewStdioMCPClient(cfg.Command, serverEnv(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
		}
	default:
		return nil, fmt.Errorf("mcp server %s: neither command nor url set", cfg.Name)
	}

	initRes, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    buildinfo.Name,
				Version: buildinfo.Version,
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}

	logger.Info("mcp server connected",
		"server_name", initRes.ServerInfo.Name,
		"server_version", initRes.ServerInfo.Version,
		"protocol", initRes.ProtocolVersion,
	)
	return &Server{Name: cfg.Name, client: c, info: initRes.ServerInfo}, nil
}

// Ping checks that the server still answers.
func (s *Server) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close shuts down the transport and, for stdio servers, the process.
func (s *Server) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ConnectAll connects every configured server and bridges its tools into
// registry. A server that fails is logged and skipped so one broken
// integration does not keep the bridge from starting; registry conflicts
// are returned.
func ConnectAll(ctx context.Context, servers []config.MCPServerConfig, registry Registrar, logger *slog.Logger) ([]*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		connected []*Server
		errs      []error
	)
	for _, cfg := range servers {
		srv, err := Connect(ctx, cfg, logger)
		if err != nil {
			logger.Warn("mcp server unavailable", "mcp_server", cfg.Name, "error", err)
			continue
		}

		n, err := Bridge(ctx, srv.client, cfg.Name, registry, cfg.Include, cfg.Exclude, logger)
		if err != nil {
			errs = append(errs, err)
			_ = srv.Close()
			continue
		}
		logger.Info("mcp tools bridged", "mcp_server", cfg.Name, "tools", n)
		connected = append(connected, srv)
	}
	return connected, errors.Join(errs...)
}

// serverEnv returns the process environment plus the configured
// overrides; stdio servers usually need PATH and HOME.
func serverEnv(extra []string) []string {
	return append(os.Environ(), extra...)
}
