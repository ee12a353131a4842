// Command zubot is the agent runtime daemon and its operational CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/zubot/internal/central"
	"github.com/haasonsaas/zubot/internal/chatsession"
	"github.com/haasonsaas/zubot/internal/config"
	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/datetime"
	"github.com/haasonsaas/zubot/internal/dbqueue"
	"github.com/haasonsaas/zubot/internal/llmclient"
	"github.com/haasonsaas/zubot/internal/llmclient/providers"
	"github.com/haasonsaas/zubot/internal/memoryindex"
	"github.com/haasonsaas/zubot/internal/memorymanager"
	"github.com/haasonsaas/zubot/internal/memorysummary"
	"github.com/haasonsaas/zubot/internal/observability"
	"github.com/haasonsaas/zubot/internal/pathpolicy"
	"github.com/haasonsaas/zubot/internal/scheduler"
	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/internal/taskrunner"
	"github.com/haasonsaas/zubot/internal/toolregistry"
	"github.com/haasonsaas/zubot/internal/tools/clock"
	"github.com/haasonsaas/zubot/internal/tools/files"
	"github.com/haasonsaas/zubot/internal/tools/websearch"
	"github.com/haasonsaas/zubot/internal/workerpool"
	"github.com/haasonsaas/zubot/pkg/models"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "zubot",
		Short:         "Local-first agent runtime: chat loop, worker pool, task scheduler, daily memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.json", "path to the configuration file")

	root.AddCommand(buildServeCmd(&configPath))
	root.AddCommand(buildChatCmd(&configPath))
	root.AddCommand(buildScheduleCmd(&configPath))
	root.AddCommand(buildTaskCmd(&configPath))
	root.AddCommand(buildConfigCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		// No config file: run on defaults (useful for first boot and tests).
		return config.Default(), nil
	}
	return config.NewStore(path).Load()
}

func openStore(cfg *config.Config, metrics *observability.Metrics) (*dbqueue.Queue, *scheduler.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.DB.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	q, err := dbqueue.Open(dbqueue.Options{Path: cfg.DB.Path, BusyTimeoutMs: cfg.DB.BusyTimeoutMs, Metrics: metrics})
	if err != nil {
		return nil, nil, err
	}
	store := scheduler.NewSQLiteStore(q)
	if err := store.Migrate(context.Background()); err != nil {
		_ = q.Close()
		return nil, nil, err
	}
	return q, store, nil
}

// buildProviders wires every provider with configured credentials.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	set := map[string]providers.Provider{}
	if creds, ok := cfg.Providers["anthropic"]; ok {
		if p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: creds.APIKey, BaseURL: creds.BaseURL}); err == nil {
			set["anthropic"] = p
		}
	}
	if creds, ok := cfg.Providers["openai"]; ok {
		if p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: creds.APIKey, BaseURL: creds.BaseURL}); err == nil {
			set["openai"] = p
		}
	}
	return set
}

// modelForTier maps a task envelope's tier to a configured alias, falling
// back down the tier ladder when an alias is absent.
func modelForTier(cfg *config.Config) func(models.ModelTier) string {
	return func(tier models.ModelTier) string {
		order := []string{string(tier), "medium", "low"}
		for _, alias := range order {
			if _, _, err := cfg.ResolveModel(alias); err == nil {
				return alias
			}
		}
		for id := range cfg.Models {
			return id
		}
		return ""
	}
}

// runtimeBundle is everything a running zubot process wires together.
type runtimeBundle struct {
	cfg           *config.Config
	logger        *observability.Logger
	metrics       *observability.Metrics
	queue         *dbqueue.Queue
	store         *scheduler.SQLiteStore
	index         *memoryindex.Index
	daily         *dailymemory.Store
	summaryWorker *memorysummary.Worker
	memManager    *memorymanager.Manager
	service       *central.Service
	workers       *workerpool.Manager
	chat          *chatsession.Runtime
}

func (b *runtimeBundle) start() {
	b.summaryWorker.Start()
	b.memManager.Start()
	b.service.Start()
}

func (b *runtimeBundle) stop() {
	b.service.Stop()
	b.memManager.Stop()
	b.summaryWorker.Stop()
	_ = b.queue.Close()
}

// buildRuntime assembles the full process graph from configuration.
func buildRuntime(cfg *config.Config, logger *observability.Logger) (*runtimeBundle, error) {
	metrics := observability.NewMetrics()
	q, store, err := openStore(cfg, metrics)
	if err != nil {
		return nil, err
	}

	index := memoryindex.New(q, cfg.Memory.Timezone)
	if err := index.Migrate(context.Background()); err != nil {
		_ = q.Close()
		return nil, err
	}
	daily := dailymemory.New(q, cfg.Memory.Timezone)
	if err := daily.Migrate(context.Background()); err != nil {
		_ = q.Close()
		return nil, err
	}
	if n, err := daily.MigrateLegacyFiles(context.Background(), "memory/days"); err != nil {
		logger.Warn(context.Background(), "legacy memory migration failed", "error", err.Error())
	} else if n > 0 {
		logger.Info(context.Background(), "migrated legacy memory files", "events", n)
	}

	llm := llmclient.NewClient(cfg, buildProviders(cfg)).WithMetrics(metrics)
	policy := pathpolicy.New(cfg.Filesystem)

	registry := toolregistry.NewRegistry(cfg.Memory.Timezone).WithMetrics(metrics)
	fileCfg := files.Config{Workspace: ".", Policy: policy}
	for _, tool := range []toolregistry.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
		files.NewApplyPatchTool(fileCfg),
		clock.New(cfg.Memory.Timezone, ""),
		websearch.NewWebFetchTool(nil),
		websearch.NewWebSearchTool(&websearch.Config{Endpoint: cfg.Tools.SearchEndpoint}),
	} {
		if err := registry.RegisterTool(categoryFor(tool.Name()), tool); err != nil {
			_ = q.Close()
			return nil, err
		}
	}

	sub := subagent.NewRunner(cfg, llm, registry)

	summaryWorker := memorysummary.NewWorker(index, daily, llm, memorysummary.Options{
		PollInterval:   time.Duration(cfg.Memory.SummaryPollIntervalSec) * time.Second,
		MaxJobsPerTick: cfg.Memory.MaxJobsPerTick,
		ModelRef:       modelForTier(cfg)(models.ModelTierLow),
		Logger:         logger,
		Metrics:        metrics,
	})
	memManager := memorymanager.New(index, daily, memorymanager.Options{
		SweepInterval:      time.Duration(cfg.Memory.SweepIntervalSec) * time.Second,
		CompletionDebounce: time.Duration(cfg.Memory.CompletionDebounceSec) * time.Second,
		Logger:             logger,
	})

	runner := taskrunner.New(store, sub, daily, taskrunner.Options{
		RepoRoot:         ".",
		BaseContextFiles: []string{"context/agent.md", "context/soul.md", "context/user.md"},
		ModelForTier:     modelForTier(cfg),
	})

	svc := central.NewService(store, runner, daily, index, memManager, central.Options{
		Concurrency:           cfg.Scheduler.TaskSlotConcurrency,
		HeartbeatInterval:     time.Duration(cfg.Scheduler.HeartbeatPollIntervalSec) * time.Second,
		WaitingForUserTimeout: time.Duration(cfg.Scheduler.WaitingForUserTimeoutSec) * time.Second,
		RunHistoryMaxAgeDays:  cfg.Scheduler.RunHistoryMaxAgeDays,
		RunHistoryMaxRows:     cfg.Scheduler.RunHistoryMaxRows,
		Logger:                logger,
		Metrics:               metrics,
		SummaryKick:           summaryWorker.Kick,
	})

	workers := workerpool.NewManager(cfg.Worker.MaxConcurrentWorkers, sub, func(task models.TaskEnvelope) subagent.RunOptions {
		return subagent.RunOptions{
			Model:      modelForTier(cfg)(task.ModelTier),
			ToolAccess: task.ToolAccess,
			RecentEvents: []models.RecentEvent{
				{Role: models.RoleUser, Content: task.Instructions, Timestamp: task.CreatedAt},
			},
		}
	}).WithMetrics(metrics)

	chat := chatsession.NewRuntime(sub, []chatsession.EventSource{workers, svc}, daily, index, memManager, chatsession.Options{
		RepoRoot:              ".",
		BaseContextFiles:      []string{"context/agent.md", "context/soul.md", "context/user.md"},
		ModelRef:              modelForTier(cfg)(models.ModelTierHigh),
		SessionTTL:            12 * time.Hour,
		MaxSessions:           24,
		MessagesBeforeSummary: cfg.Memory.MessagesBeforeSummary,
		Logger:                logger,
		SummaryKick:           summaryWorker.Kick,
		SessionLogDir:         sessionLogDir(cfg),
		Metrics:               metrics,
	})

	return &runtimeBundle{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		queue:         q,
		store:         store,
		index:         index,
		daily:         daily,
		summaryWorker: summaryWorker,
		memManager:    memManager,
		service:       svc,
		workers:       workers,
		chat:          chat,
	}, nil
}

func sessionLogDir(cfg *config.Config) string {
	if !cfg.SessionLogging {
		return ""
	}
	return "memory/sessions"
}

func categoryFor(toolName string) string {
	switch toolName {
	case "get_current_time":
		return "time"
	case "web_fetch", "web_search":
		return "web"
	default:
		return "files"
	}
}

func buildServeCmd(configPath *string) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})

			bundle, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}
			bundle.start()
			defer bundle.stop()

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(bundle.metrics.Registry(), promhttp.HandlerOpts{}))
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Warn(context.Background(), "metrics endpoint failed", "error", err.Error())
					}
				}()
			}

			// Config edits apply without restart: the watcher invalidates the
			// cache and the next reload pushes refreshed scheduler settings.
			if _, statErr := os.Stat(*configPath); statErr == nil {
				store := config.NewStore(*configPath)
				if stopWatch, err := store.WatchForChanges(); err == nil {
					defer stopWatch()
					go func() {
						ticker := time.NewTicker(30 * time.Second)
						defer ticker.Stop()
						for range ticker.C {
							fresh, err := store.Load()
							if err != nil {
								continue
							}
							bundle.service.Reconfigure(
								fresh.Scheduler.TaskSlotConcurrency,
								time.Duration(fresh.Scheduler.WaitingForUserTimeoutSec)*time.Second)
						}
					}()
				}
			}

			logger.Info(context.Background(), "zubot serving",
				"db", cfg.DB.Path,
				"task_slots", cfg.Scheduler.TaskSlotConcurrency,
				"workers", cfg.Worker.MaxConcurrentWorkers)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Info(context.Background(), "shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint (empty disables)")
	return cmd
}

func buildChatCmd(configPath *string) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat REPL against the full runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"})

			bundle, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}
			bundle.start()
			defer bundle.stop()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprintln(cmd.OutOrStdout(), "zubot chat (ctrl-d to exit)")
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := scanner.Text()
				if line == "" {
					continue
				}
				resp := bundle.chat.HandleMessage(cmd.Context(), sessionID, line)
				if resp.OK {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Reply)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", resp.Reply, resp.Error)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session id for the conversation")
	return cmd
}

func buildScheduleCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Inspect schedules"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			q, store, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer q.Close()

			schedules, err := store.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range schedules {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tenabled=%t\tnext=%s\n", s.ScheduleID, s.ProfileID, s.Mode, s.Enabled, next)
			}
			return nil
		},
	})
	return cmd
}

func buildTaskCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect and control runs"}

	cmd.AddCommand(&cobra.Command{
		Use:   "kill <run_id>",
		Short: "Cancel a queued or waiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			q, store, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer q.Close()
			if err := store.CancelRun(cmd.Context(), args[0], "killed via CLI"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "Show recent run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			q, store, err := openStore(cfg, nil)
			if err != nil {
				return err
			}
			defer q.Close()
			runs, err := store.ListRunHistory(cmd.Context(), 50)
			if err != nil {
				return err
			}
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = datetime.FormatRelativeTime(*r.FinishedAt, time.Now())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.ProfileID, r.Status, finished, r.Summary)
			}
			return nil
		},
	})
	return cmd
}

func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.NewStore(*configPath).Load(); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	})
	return cmd
}
