package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/quill/internal/apiclient"
	"github.com/rendis/quill/internal/bridge"
	"github.com/rendis/quill/internal/engine"
	"github.com/rendis/quill/internal/expressions"
	"github.com/rendis/quill/internal/logging"
	"github.com/rendis/quill/internal/runner"
	"github.com/rendis/quill/internal/scheduler"
	"github.com/rendis/quill/internal/store"
	"github.com/rendis/quill/internal/streaming"
	"github.com/rendis/quill/internal/validation"
	quillmcp "github.com/rendis/quill/pkg/mcp"
	"github.com/rendis/quill/pkg/schema"
)

func main() {
	root := &cobra.Command{
		Use:           "quill",
		Short:         "Hierarchical workflow state machine for agent-authored notebooks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		runCmd(),
		resumeCmd(),
		statusCmd(),
		queryCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(quillDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create quill dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildStack assembles the runner collaborators shared by serve, run and
// resume. The client is nil when no API endpoints are configured (the MCP
// agent produces responses itself in that mode).
func buildStack(cfg Config, logger *slog.Logger) (apiclient.Client, engine.ActionDispatcher, validation.Validator, error) {
	validator, err := validation.NewTemplateValidator()
	if err != nil {
		return nil, nil, nil, err
	}

	var client apiclient.Client
	if cfg.PlanningURL != "" || cfg.GeneratingURL != "" || cfg.ReflectingURL != "" {
		client = apiclient.NewHTTPClient(apiclient.HTTPConfig{
			Endpoints: apiclient.Endpoints{
				Planning:   cfg.PlanningURL,
				Generating: cfg.GeneratingURL,
				Reflecting: cfg.ReflectingURL,
			},
			AuthToken: cfg.AuthToken,
		}, validator, logger)
	}

	var dispatcher engine.ActionDispatcher
	if cfg.NotebookURL != "" {
		b, err := bridge.NewHTTPBridge(bridge.Config{
			BaseURL:   cfg.NotebookURL,
			AuthToken: cfg.AuthToken,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		dispatcher = b
	} else {
		dispatcher = bridge.NewMemoryBridge()
	}

	return client, dispatcher, validator, nil
}

func newRunner(cfg Config, s store.Store, hub streaming.EventHub, client apiclient.Client, dispatcher engine.ActionDispatcher, logger *slog.Logger) *runner.Runner {
	return runner.New(runner.Config{
		Client:         client,
		Bridge:         dispatcher,
		Store:          s,
		Hub:            hub,
		Logger:         logger,
		Eval:           expressions.NewExprEngine().Predicate,
		MaxTransitions: cfg.MaxTransitions,
		SnapshotEvery:  cfg.SnapshotEvery,
	})
}

// templateLauncher adapts the runner stack to the scheduler's launcher
// interface.
type templateLauncher struct {
	cfg        Config
	store      store.Store
	hub        streaming.EventHub
	client     apiclient.Client
	dispatcher engine.ActionDispatcher
	logger     *slog.Logger
}

// resolveTemplate fetches a stored template, picking the highest version
// when none is given.
func resolveTemplate(ctx context.Context, s store.Store, name, version string) (*store.TemplateRecord, error) {
	if version != "" {
		return s.GetTemplate(ctx, name, version)
	}
	records, err := s.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", name)
	}
	sort.Slice(records, func(i, j int) bool {
		return templateVersionRank(records[i].Version) > templateVersionRank(records[j].Version)
	})
	return records[0], nil
}

func templateVersionRank(v string) int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (l *templateLauncher) LaunchFromTemplate(ctx context.Context, templateName, version string, variables map[string]any) error {
	rec, err := resolveTemplate(ctx, l.store, templateName, version)
	if err != nil {
		return err
	}
	r := newRunner(l.cfg, l.store, l.hub, l.client, l.dispatcher, l.logger)
	runID, doc, err := r.Start(ctx, &rec.Template, variables)
	if err != nil {
		return err
	}
	_, _, err = r.Run(ctx, runID, doc)
	return err
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP stdio server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			client, dispatcher, validator, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			hub := streaming.NewMemoryHub()

			srv := quillmcp.NewQuillServer(quillmcp.QuillServerDeps{
				Store:     s,
				Client:    client,
				Bridge:    dispatcher,
				Hub:       hub,
				Validator: validator,
				Eval:      expressions.NewExprEngine().Predicate,
				Logger:    logger,
			})

			sched := scheduler.NewScheduler(s, &templateLauncher{
				cfg: cfg, store: s, hub: hub,
				client: client, dispatcher: dispatcher, logger: logger,
			}, logger)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			notifier := quillmcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())
			go notifier.Forward(ctx, hub, logger)

			logger.Info("quill MCP server listening on stdio")
			return srv.Serve(ctx)
		},
	}
}

func runCmd() *cobra.Command {
	var variablesJSON string
	var tplVersion string

	cmd := &cobra.Command{
		Use:   "run <template-name>",
		Short: "Run a stored workflow template to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			client, dispatcher, _, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			if client == nil {
				return fmt.Errorf("run requires planning/generating/reflecting endpoints (set QUILL_PLANNING_URL etc. or use the MCP server)")
			}

			var variables map[string]any
			if variablesJSON != "" {
				if err := json.Unmarshal([]byte(variablesJSON), &variables); err != nil {
					return fmt.Errorf("parse --variables: %w", err)
				}
			}

			rec, err := resolveTemplate(ctx, s, args[0], tplVersion)
			if err != nil {
				return err
			}

			r := newRunner(cfg, s, nil, client, dispatcher, logger)
			runID, doc, err := r.Start(ctx, &rec.Template, variables)
			if err != nil {
				return err
			}
			out, _, err := r.Run(ctx, runID, doc)
			if err != nil {
				return err
			}

			fmt.Printf("run %s finished in state %s\n", runID, out.CurrentState())
			return nil
		},
	}
	cmd.Flags().StringVar(&variablesJSON, "variables", "", "initial document variables as JSON")
	cmd.Flags().StringVar(&tplVersion, "version", "", "template version (default: latest registered)")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a persisted run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			client, dispatcher, _, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			if client == nil {
				return fmt.Errorf("resume requires planning/generating/reflecting endpoints")
			}

			run, err := s.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run.State.IsTerminal() {
				fmt.Printf("run %s already finished in state %s\n", run.ID, run.State)
				return nil
			}

			var doc schema.StateDocument
			if err := json.Unmarshal(run.Document, &doc); err != nil {
				return fmt.Errorf("decode persisted document: %w", err)
			}

			r := newRunner(cfg, s, nil, client, dispatcher, logger)
			r.Resume(&doc)
			out, _, err := r.Run(ctx, run.ID, &doc)
			if err != nil {
				return err
			}

			fmt.Printf("run %s finished in state %s\n", run.ID, out.CurrentState())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := context.Background()

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			out := map[string]any{
				"run_id":        run.ID,
				"state":         run.State,
				"template_name": run.TemplateName,
				"terminal":      run.State.IsTerminal(),
				"created_at":    run.CreatedAt,
				"started_at":    run.StartedAt,
				"completed_at":  run.CompletedAt,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func queryCmd() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "query <run-id>",
		Short: "Run a jq expression over a run's state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx := context.Background()

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			run, err := s.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			var data map[string]any
			if err := json.Unmarshal(run.Document, &data); err != nil {
				return fmt.Errorf("decode persisted document: %w", err)
			}

			results, err := expressions.NewGoJQEngine().EvaluateAll(ctx, jqExpr, data)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVar(&jqExpr, "jq", ".", "jq expression")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the quill version",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
