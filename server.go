package ragorch

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
)

const Version = "1.0.0"

// RAGConfig holds the server configuration until NewServer builds the client.
type RAGConfig struct {
	config *config.Config
}

// NewRAGConfig returns a RAGConfig seeded with defaults.
func NewRAGConfig() *RAGConfig {
	return &RAGConfig{config: config.Default()}
}

// FromConfig wraps an already parsed configuration.
func FromConfig(cfg *config.Config) *RAGConfig {
	return &RAGConfig{config: cfg}
}

// ParseConfig decodes a generic map, as handed over by an embedding host, over
// the defaults. Keys follow the YAML file layout.
func (c *RAGConfig) ParseConfig(cfg map[string]any) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config map: %w", err)
	}
	parsed, err := config.Parse(data)
	if err != nil {
		return err
	}
	c.config = parsed
	return nil
}

// Config returns the current configuration.
func (c *RAGConfig) Config() *config.Config { return c.config }

// Server couples the MCP server with the client its tools call.
type Server struct {
	MCP    *server.MCPServer
	client *RAGClient
}

// NewServer builds the client and registers every tool.
func (c *RAGConfig) NewServer(ctx context.Context, serverName string) (*Server, error) {
	ragClient, err := NewRAGClient(ctx, c.config)
	if err != nil {
		return nil, fmt.Errorf("create rag client failed, err: %w", err)
	}
	return newServer(serverName, ragClient), nil
}

func newServer(serverName string, ragClient *RAGClient) *Server {
	mcpServer := server.NewMCPServer(
		serverName,
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Grounded question answering: routes each query, retrieves evidence, generates an answer and returns it only when confidence clears the gate"),
	)

	// Q&A
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("query", "Answer a question from the evidence corpus, returning the answer with its evidence, confidence and route", GetQuerySchema()),
		HandleQuery(ragClient),
	)

	// Session
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("get-session", "Return the turns of a live conversation session", GetSessionSchema()),
		HandleGetSession(ragClient),
	)

	// Corpus maintenance
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("upsert-evidence", "Write evidence chunks to the index and evict cached results for their sources", GetUpsertEvidenceSchema()),
		HandleUpsertEvidence(ragClient),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("delete-source", "Remove every evidence chunk of the given sources and evict cached results", GetSourceIDsSchema()),
		HandleDeleteSource(ragClient),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("invalidate-source", "Evict cached evidence and answers that reference the given sources", GetSourceIDsSchema()),
		HandleInvalidateSource(ragClient),
	)

	return &Server{MCP: mcpServer, client: ragClient}
}

// Client returns the underlying client.
func (s *Server) Client() *RAGClient { return s.client }

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCP)
}

// NewSSE returns an SSE transport for s. The caller starts and shuts it down.
func (s *Server) NewSSE(baseURL string) *server.SSEServer {
	opts := []server.SSEOption{}
	if baseURL != "" {
		opts = append(opts, server.WithBaseURL(baseURL))
	}
	return server.NewSSEServer(s.MCP, opts...)
}

// Close releases the client.
func (s *Server) Close() error {
	return s.client.Close()
}
