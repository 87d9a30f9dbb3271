package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coolbeans/ldcache/pkg/client"
	"github.com/coolbeans/ldcache/pkg/config"
	"github.com/coolbeans/ldcache/pkg/graph"
	"github.com/coolbeans/ldcache/pkg/logger"
	"github.com/coolbeans/ldcache/pkg/logger/console"
	"github.com/coolbeans/ldcache/pkg/metrics"
)

var version = "0.1.0"

// fetchConcurrency bounds parallel document fetches issued by one command.
const fetchConcurrency = 4

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ldcache",
		Short: "Incremental linked-data entity cache",
		Long: `ldcache fetches JSON-LD documents, merges them into one in-memory
entity graph and answers whether an entity's own document still has to be
fetched to know a set of properties.

Configuration is read from --config (YAML), then .env, then LDCACHE_*
environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "Environment files to load (default .env)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(ensureCmd())
	rootCmd.AddCommand(needCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(statsCmd())
	return rootCmd
}

// session is one configured client plus what has to be torn down with it.
type session struct {
	client  *client.Client
	logger  logger.Logger
	cleanup []func()
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("closing client", "error", err)
	}
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func openSession(cmd *cobra.Command) (*session, error) {
	configPath, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")

	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug, _ = cmd.Flags().GetBool("debug")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}

	log := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		Output: os.Stderr,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewPrometheusRecorder(registry)

	s := &session{logger: log}
	if cfg.MetricsAddr != "" {
		s.cleanup = append(s.cleanup, serveMetrics(cfg.MetricsAddr, registry, log))
	}

	c, err := client.New(cmd.Context(), client.Options{
		Config:  cfg,
		Logger:  log,
		Metrics: recorder,
	})
	if err != nil {
		for _, fn := range s.cleanup {
			fn()
		}
		return nil, err
	}
	s.client = c
	return s, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, log logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func cachePolicy(cmd *cobra.Command) client.CachePolicy {
	noStore, _ := cmd.Flags().GetBool("no-store")
	refresh, _ := cmd.Flags().GetBool("refresh")
	switch {
	case noStore:
		return client.CachePolicyNoStore
	case refresh:
		return client.CachePolicyRefresh
	default:
		return client.CachePolicyDefault
	}
}

func addCacheFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("refresh", false, "Bypass cached documents but store the fetched ones")
	cmd.Flags().Bool("no-store", false, "Neither read nor write the document cache")
}

// fetchAll fetches uris concurrently and returns the documents in order.
func fetchAll(ctx context.Context, c *client.Client, uris []string, policy client.CachePolicy) ([]*client.Document, error) {
	docs := make([]*client.Document, len(uris))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchConcurrency)

	for i, uri := range uris {
		group.Go(func() error {
			doc, err := c.FetchDocument(groupCtx, uri, policy)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", uri, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <uri>...",
		Short: "Fetch documents and merge them into the graph",
		Long: `Fetch one or more JSON-LD documents. Each document is served from the
document cache when a live entry exists, otherwise requested over HTTP.

Example:
  ldcache fetch https://api.example.org/registration/pkg/index.json
  ldcache fetch --json --refresh https://api.example.org/catalog/page0.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printBody, _ := cmd.Flags().GetBool("json")

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			docs, err := fetchAll(cmd.Context(), s.client, args, cachePolicy(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, doc := range docs {
				if printBody {
					if err := printJSON(out, doc); err != nil {
						return err
					}
					continue
				}
				source := "network"
				if doc.FromCache {
					source = "cache"
				}
				fmt.Fprintf(out, "%s\n  status: %d  source: %s  attempts: %d\n", doc.URI, doc.StatusCode, source, doc.Attempts)
				if doc.Error != "" {
					fmt.Fprintf(out, "  error: %s\n", doc.Error)
				}
				if doc.ParseError != "" {
					fmt.Fprintf(out, "  parse error: %s\n", doc.ParseError)
				}
				if !doc.OK() {
					failed++
				}
			}

			if err := s.client.Drain(cmd.Context()); err != nil {
				return err
			}
			stats := s.client.Stats()
			fmt.Fprintf(out, "\nGraph: %d triples in %d pages\n", stats.Triples, stats.Pages)
			if failed > 0 {
				return fmt.Errorf("%d of %d documents could not be retrieved", failed, len(docs))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print each document as JSON")
	addCacheFlags(cmd)
	return cmd
}

func entityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity <uri>",
		Short: "Show the best known JSON for an entity",
		Long: `Fetch the given pages (default: the entity's own document) and print the
entity's JSON from the merged graph, preferring its own document.

Example:
  ldcache entity https://api.example.org/pkg/1.0.0.json#dependency
  ldcache entity --from https://api.example.org/catalog/page0.json https://api.example.org/pkg/1.0.0.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetStringSlice("from")
			if len(from) == 0 {
				from = []string{args[0]}
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := fetchAll(cmd.Context(), s.client, from, cachePolicy(cmd)); err != nil {
				return err
			}
			entity, err := s.client.GetEntity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if entity == nil {
				return fmt.Errorf("no data about %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), entity)
		},
	}
	cmd.Flags().StringSlice("from", nil, "Pages to fetch before the lookup")
	addCacheFlags(cmd)
	return cmd
}

func ensureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure <uri>",
		Short: "Complete an entity read from a linking page",
		Long: `Read the entity from --page, then make sure it carries every --prop,
fetching the entity's own document only when the graph cannot answer.

Example:
  ldcache ensure --page https://api.example.org/catalog/page0.json \
    --prop http://schema.nuget.org/schema#description https://api.example.org/pkg/1.0.0.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetString("page")
			props, _ := cmd.Flags().GetStringSlice("prop")

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			token := &graph.Entity{URI: args[0]}
			if page != "" {
				doc, err := s.client.FetchDocument(cmd.Context(), page, cachePolicy(cmd))
				if err != nil {
					return err
				}
				if found := s.client.EntityIn(doc, args[0]); found != nil {
					token = found
				} else {
					s.logger.Warn("entity not present in page", "entity", args[0], "page", page)
				}
			}

			ensured, err := s.client.Ensure(cmd.Context(), token, props)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ensured)
		},
	}
	cmd.Flags().String("page", "", "Page the entity is first read from")
	cmd.Flags().StringSlice("prop", nil, "Required predicate IRI (repeatable)")
	addCacheFlags(cmd)
	return cmd
}

func needCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "need <uri>",
		Short: "Decide whether an entity's own document must be fetched",
		Long: `Fetch the --from pages, then report whether the entity's canonical
document has to be fetched to know every --prop.

Output is one of must-fetch, already-canonical or sufficient-without-fetch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetStringSlice("from")
			props, _ := cmd.Flags().GetStringSlice("prop")

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(from) > 0 {
				if _, err := fetchAll(cmd.Context(), s.client, from, cachePolicy(cmd)); err != nil {
					return err
				}
			}
			decision, err := s.client.FetchNeeded(cmd.Context(), args[0], props)
			if err != nil {
				return err
			}

			need := "null"
			if value := decision.Need(); value != nil {
				need = fmt.Sprintf("%t", *value)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (need=%s)\n", decision, need)
			return nil
		},
	}
	cmd.Flags().StringSlice("from", nil, "Pages to fetch before deciding")
	cmd.Flags().StringSlice("prop", nil, "Required predicate IRI (repeatable)")
	addCacheFlags(cmd)
	return cmd
}

func dumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <uri>...",
		Short: "Fetch documents and print the graph as N-Triples",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := fetchAll(cmd.Context(), s.client, args, cachePolicy(cmd)); err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer file.Close()
				w = file
			}
			if err := s.client.WriteNTriples(cmd.Context(), w); err != nil {
				return err
			}
			if output != "" {
				stats := s.client.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d triples to %s\n", stats.Triples, output)
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	addCacheFlags(cmd)
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <uri>...",
		Short: "Fetch documents and print graph statistics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := fetchAll(cmd.Context(), s.client, args, cachePolicy(cmd)); err != nil {
				return err
			}
			if err := s.client.Drain(cmd.Context()); err != nil {
				return err
			}

			stats := s.client.Stats()
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, stats)
			}

			fmt.Fprintln(out, "Graph Statistics")
			fmt.Fprintln(out, strings.Repeat("=", 16))
			fmt.Fprintf(out, "Triples:        %d (ceiling %d)\n", stats.Triples, stats.MaxTriples)
			fmt.Fprintf(out, "Authoritative:  %d\n", stats.Authoritative)
			fmt.Fprintf(out, "Subjects:       %d\n", stats.Subjects)
			fmt.Fprintf(out, "Pages:          %d\n", stats.Pages)
			fmt.Fprintf(out, "Pages merged:   %d\n", stats.PagesMerged)
			fmt.Fprintf(out, "Pages evicted:  %d\n", stats.PagesEvicted)
			fmt.Fprintf(out, "Dropped:        %d\n", stats.Dropped)

			fmt.Fprintln(out, "\nPages (oldest first):")
			for _, page := range s.client.Store().Pages() {
				fmt.Fprintf(out, "  %4d  %-6d %s\n", page.Seq, page.Triples, page.URI)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	addCacheFlags(cmd)
	return cmd
}
