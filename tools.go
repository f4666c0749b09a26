package ragorch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// ToolHandler is the signature mcp-go expects for tool callbacks.
type ToolHandler = server.ToolHandlerFunc

// GetQuerySchema returns the input schema of the query tool.
func GetQuerySchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "description": "The question or text to process"},
    "language": {"type": "string", "description": "BCP-47 language of the text, or \"auto\" to detect it"},
    "session_id": {"type": "string", "description": "Conversation to continue; a new one is created when unknown"},
    "request_id": {"type": "string", "description": "Caller supplied request id; generated when empty"},
    "role": {"type": "string", "description": "Caller role selecting the rate budget and permitted routes"},
    "top_k": {"type": "integer", "description": "Number of evidence items to return", "minimum": 1},
    "route_hint": {"type": "string", "enum": ["factual", "multimodal", "long_context", "translation"]},
    "target_language": {"type": "string", "description": "Target language for translation requests"},
    "sources": {"type": "array", "items": {"type": "string"}},
    "content_types": {"type": "array", "items": {"type": "string"}},
    "date_from": {"type": "string", "description": "Earliest publication date, YYYY-MM-DD or RFC 3339"},
    "date_to": {"type": "string", "description": "Latest publication date, YYYY-MM-DD or RFC 3339"},
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"url": {"type": "string"}, "media_type": {"type": "string"}},
        "required": ["url"]
      }
    },
    "stream": {"type": "boolean", "description": "Send tokens as progress notifications while generating"}
  },
  "required": ["text"]
}`)
}

// GetSessionSchema returns the input schema of the get-session tool.
func GetSessionSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"session_id": {"type": "string"}},
  "required": ["session_id"]
}`)
}

// GetUpsertEvidenceSchema returns the input schema of the upsert-evidence tool.
func GetUpsertEvidenceSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "documents": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "source_id": {"type": "string"},
          "text": {"type": "string"},
          "site": {"type": "string"},
          "content_type": {"type": "string"},
          "published_at": {"type": "string"}
        },
        "required": ["id", "source_id", "text"]
      }
    }
  },
  "required": ["documents"]
}`)
}

// GetSourceIDsSchema returns the input schema shared by the source tools.
func GetSourceIDsSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"source_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1}},
  "required": ["source_ids"]
}`)
}

type queryArgs struct {
	Text           string              `json:"text"`
	Language       string              `json:"language"`
	SessionID      string              `json:"session_id"`
	RequestID      string              `json:"request_id"`
	Role           string              `json:"role"`
	TopK           int                 `json:"top_k"`
	RouteHint      string              `json:"route_hint"`
	TargetLanguage string              `json:"target_language"`
	Sources        []string            `json:"sources"`
	ContentTypes   []string            `json:"content_types"`
	DateFrom       string              `json:"date_from"`
	DateTo         string              `json:"date_to"`
	Attachments    []schema.Attachment `json:"attachments"`
	Stream         bool                `json:"stream"`
}

func (a queryArgs) toQuery() (schema.Query, error) {
	q := schema.Query{
		Text:        a.Text,
		Language:    a.Language,
		SessionID:   a.SessionID,
		RequestID:   a.RequestID,
		Role:        a.Role,
		TopK:        a.TopK,
		Attachments: a.Attachments,
		Filters: schema.Filters{
			Sources:        a.Sources,
			ContentTypes:   a.ContentTypes,
			RouteHint:      schema.Route(a.RouteHint),
			TargetLanguage: a.TargetLanguage,
		},
	}
	var err error
	if q.Filters.DateRange.From, err = parseDate(a.DateFrom); err != nil {
		return q, errs.Invalidf("tool.query", "date_from: %v", err)
	}
	if q.Filters.DateRange.To, err = parseDate(a.DateTo); err != nil {
		return q, errs.Invalidf("tool.query", "date_to: %v", err)
	}
	return q, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

type documentArg struct {
	ID          string `json:"id"`
	SourceID    string `json:"source_id"`
	Text        string `json:"text"`
	Site        string `json:"site"`
	ContentType string `json:"content_type"`
	PublishedAt string `json:"published_at"`
}

// decodeArgs re-encodes the loosely typed tool arguments into dst.
func decodeArgs(request mcp.CallToolRequest, dst any) error {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// HandleQuery answers a question through the orchestrator.
func HandleQuery(c *RAGClient) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args queryArgs
		if err := decodeArgs(request, &args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		q, err := args.toQuery()
		if err != nil {
			return errorResult(err), nil
		}
		var env schema.ResponseEnvelope
		if args.Stream {
			env, err = streamQuery(ctx, c, q)
		} else {
			env, err = c.Query(ctx, q)
		}
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(env)
	}
}

// streamQuery forwards tokens to the calling client as log notifications and
// returns the final envelope.
func streamQuery(ctx context.Context, c *RAGClient, q schema.Query) (schema.ResponseEnvelope, error) {
	events, err := c.Stream(ctx, q)
	if err != nil {
		return schema.ResponseEnvelope{}, err
	}
	srv := server.ServerFromContext(ctx)
	notify := func(ev orchestrator.StreamEvent) {
		if srv == nil {
			return
		}
		params := map[string]any{"level": "info", "logger": "ragorch", "data": ev}
		if err := srv.SendNotificationToClient(ctx, "notifications/message", params); err != nil {
			logger.Debugf("tool.query: notification dropped: %v", err)
		}
	}
	var final *schema.ResponseEnvelope
	for ev := range events {
		if ev.Type == orchestrator.EventDone {
			final = ev.Envelope
			continue
		}
		notify(ev)
	}
	if final == nil {
		if err := ctx.Err(); err != nil {
			return schema.ResponseEnvelope{}, errs.Classify("tool.query", err)
		}
		return schema.ResponseEnvelope{}, errs.E(errs.KindUnknown, "tool.query", fmt.Errorf("stream ended without a result"))
	}
	return *final, nil
}

// HandleGetSession returns a session snapshot.
func HandleGetSession(c *RAGClient) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeArgs(request, &args); err != nil || strings.TrimSpace(args.SessionID) == "" {
			return mcp.NewToolResultError("session_id parameter is required"), nil
		}
		s, ok, err := c.Session(ctx, args.SessionID)
		if err != nil {
			return errorResult(err), nil
		}
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("session %s not found", args.SessionID)), nil
		}
		return jsonResult(s)
	}
}

// HandleUpsertEvidence writes evidence chunks.
func HandleUpsertEvidence(c *RAGClient) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Documents []documentArg `json:"documents"`
		}
		if err := decodeArgs(request, &args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if len(args.Documents) == 0 {
			return mcp.NewToolResultError("documents parameter is required"), nil
		}
		docs := make([]index.Document, 0, len(args.Documents))
		for i, d := range args.Documents {
			published, err := parseDate(d.PublishedAt)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("documents[%d].published_at: %v", i, err)), nil
			}
			docs = append(docs, index.Document{
				ID:       d.ID,
				SourceID: d.SourceID,
				Text:     d.Text,
				Provenance: schema.Provenance{
					Site:        d.Site,
					ContentType: d.ContentType,
					PublishedAt: published,
				},
			})
		}
		n, err := c.Upsert(ctx, docs)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{"upserted": len(docs), "evicted": n})
	}
}

// HandleDeleteSource removes sources from the index.
func HandleDeleteSource(c *RAGClient) ToolHandler {
	return sourceHandler(c.DeleteSources, "deleted")
}

// HandleInvalidateSource evicts cache entries for sources.
func HandleInvalidateSource(c *RAGClient) ToolHandler {
	return sourceHandler(c.InvalidateSources, "invalidated")
}

func sourceHandler(fn func(context.Context, ...string) (int, error), verb string) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			SourceIDs []string `json:"source_ids"`
		}
		if err := decodeArgs(request, &args); err != nil || len(args.SourceIDs) == 0 {
			return mcp.NewToolResultError("source_ids parameter is required"), nil
		}
		n, err := fn(ctx, args.SourceIDs...)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(map[string]any{verb: args.SourceIDs, "evicted": n})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errorResult reports a failure to the model with its kind so callers can
// tell rejected input from an unavailable dependency.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", errs.KindOf(err), err))
}
