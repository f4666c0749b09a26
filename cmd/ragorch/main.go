package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ragorch",
		Short:         "Grounded question answering orchestrator served over MCP",
		Version:       ragorch.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().String("seed", "", "JSON file of evidence documents loaded before serving")
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newQueryCommand())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, errors.New("--config is required")
	}
	return config.Load(path)
}

type seedDocument struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	Text        string    `json:"text"`
	Site        string    `json:"site"`
	ContentType string    `json:"content_type"`
	PublishedAt time.Time `json:"published_at"`
}

func seedCorpus(ctx context.Context, cmd *cobra.Command, client *ragorch.RAGClient) error {
	path, _ := cmd.Flags().GetString("seed")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var in []seedDocument
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	docs := make([]index.Document, 0, len(in))
	for _, d := range in {
		docs = append(docs, index.Document{
			ID: d.ID, SourceID: d.SourceID, Text: d.Text,
			Provenance: schema.Provenance{Site: d.Site, ContentType: d.ContentType, PublishedAt: d.PublishedAt},
		})
	}
	if _, err := client.Upsert(ctx, docs); err != nil {
		return fmt.Errorf("seed corpus: %w", err)
	}
	logger.Infof("seeded %d documents from %s", len(docs), path)
	return nil
}

func newServeCommand() *cobra.Command {
	var (
		transport string
		addr      string
		baseURL   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio or SSE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := ragorch.FromConfig(cfg).NewServer(ctx, "ragorch")
			if err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Errorf("shutdown: %v", err)
				}
			}()
			if err := seedCorpus(ctx, cmd, srv.Client()); err != nil {
				return err
			}

			switch transport {
			case "stdio":
				return srv.ServeStdio()
			case "sse":
				return serveSSE(ctx, srv, addr, baseURL)
			default:
				return fmt.Errorf("unsupported transport %q (valid: stdio, sse)", transport)
			}
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport: stdio or sse")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address for the sse transport")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public base URL advertised to SSE clients")
	return cmd
}

func serveSSE(ctx context.Context, srv *ragorch.Server, addr, baseURL string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", srv.NewSSE(baseURL))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("serving MCP over SSE on %s", addr)
		errCh <- hs.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}

func newQueryCommand() *cobra.Command {
	var (
		q      schema.Query
		hint   string
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Answer one question and print the response envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := ragorch.NewRAGClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := seedCorpus(ctx, cmd, client); err != nil {
				return err
			}

			q.Text = args[0]
			q.Filters.RouteHint = schema.Route(hint)
			out := cmd.OutOrStdout()
			var env schema.ResponseEnvelope
			if stream {
				events, err := client.Stream(ctx, q)
				if err != nil {
					return err
				}
				for ev := range events {
					switch ev.Type {
					case orchestrator.EventToken:
						fmt.Fprint(out, ev.Token)
					case orchestrator.EventDone:
						fmt.Fprintln(out)
						env = *ev.Envelope
					}
				}
				if env.RequestID == "" {
					return errors.New("stream ended without a result")
				}
			} else if env, err = client.Query(ctx, q); err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(env)
		},
	}
	cmd.Flags().StringVar(&q.Language, "language", "auto", "Language of the question")
	cmd.Flags().StringVar(&q.SessionID, "session", "", "Session to continue")
	cmd.Flags().StringVar(&q.Role, "role", "", "Caller role")
	cmd.Flags().IntVar(&q.TopK, "top-k", 0, "Evidence items to return")
	cmd.Flags().StringVar(&q.Filters.TargetLanguage, "target-language", "", "Target language for translation")
	cmd.Flags().StringSliceVar(&q.Filters.Sources, "source", nil, "Restrict retrieval to these sources")
	cmd.Flags().StringVar(&hint, "route", "", "Route hint: factual, multimodal, long_context or translation")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print tokens as they are generated")
	return cmd
}
