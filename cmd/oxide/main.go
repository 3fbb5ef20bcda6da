// Command oxide is the intelligent orchestrator for heterogeneous LLM
// backends: local CLI tools, Ollama servers, and OpenAI-compatible HTTP
// endpoints behind one routing, memory, cost, and clustering layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/backend"
	"github.com/oxidehq/oxide/internal/cluster"
	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/cost"
	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/internal/memory"
	"github.com/oxidehq/oxide/internal/orchestrator"
	"github.com/oxidehq/oxide/internal/procs"
	"github.com/oxidehq/oxide/internal/router"
	"github.com/oxidehq/oxide/internal/sandbox"
	"github.com/oxidehq/oxide/pkg/types"
)

var (
	version = "1.0.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oxide",
		Short: "Oxide - intelligent orchestrator for heterogeneous LLM backends",
		Long: `Oxide routes prompts across local and remote LLM backends:
  • Task classification with rule-based routing and fallback chains
  • CLI, Ollama, and OpenAI-compatible adapters behind one stream
  • Conversation memory, cost tracking, and budgets in a local store
  • LAN peer discovery with load-aware task delegation

One-shot question:   oxide ask "explain this error" --file main.go
Long-running node:   oxide serve
Service health:      oxide status`,
		PersistentPreRunE: initLogging,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.oxide/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Oxide v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(configCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg = logging.VerboseConfig()
	}
	logCfg.Dir = filepath.Join(config.DataDir(), "logs")

	if _, err := logging.Setup(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare state directory: %w", err)
	}
	return cfg, nil
}

// app bundles the wired runtime for serve and ask.
type app struct {
	cfg      *config.Config
	store    *data.Store
	registry *procs.Registry
	manager  *backend.Manager
	adapters map[string]adapter.Adapter
	orch     *orchestrator.Orchestrator
	costs    *cost.Tracker
	memory   *memory.Memory
}

// buildApp assembles the full execution stack: store, sandbox, adapters
// with autostart readiers, router, memory, cost tracking, orchestrator.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := data.New(cfg.Storage.DBPath, cfg.Storage.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := procs.NewRegistry()
	manager := backend.NewManager(cfg.Backend, filepath.Join(config.DataDir(), "logs", "backends"), registry)

	adapters := make(map[string]adapter.Adapter, len(cfg.Services))
	serviceIDs := make([]string, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		a, err := adapter.New(svc, adapter.Deps{
			Registry:          registry,
			Readier:           &backend.ServiceReadier{Manager: manager, Service: svc},
			ConnectRetries:    cfg.Backend.ConnectRetries,
			ConnectRetryDelay: time.Duration(cfg.Backend.ConnectRetryDelaySec) * time.Second,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("service %s: %w", svc.ID, err)
		}
		adapters[svc.ID] = a
		serviceIDs = append(serviceIDs, svc.ID)

		if err := store.UpsertService(ctx, &svc); err != nil {
			log.Warn().Err(err).Str("service", svc.ID).Msg("failed to persist service descriptor")
		}
	}

	for category, rule := range cfg.Routing {
		if err := store.UpsertRoutingRule(ctx, category, rule); err != nil {
			log.Warn().Err(err).Str("category", category).Msg("failed to persist routing rule")
		}
	}

	costs := cost.New(store)
	if cfg.Cost.Enabled {
		if err := costs.SeedPricing(ctx, serviceIDs, cfg.Cost.Currency); err != nil {
			log.Warn().Err(err).Msg("failed to seed pricing table")
		}
	}

	if err := seedExecutionSettings(ctx, store, cfg); err != nil {
		log.Warn().Err(err).Msg("failed to seed execution settings")
	}

	mem := memory.New(store)
	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Adapters:   adapters,
		Store:      store,
		Sandbox:    sandbox.New(cfg.Sandbox.AllowedDirs),
		Router:     router.New(cfg, adapters),
		Classifier: router.NewClassifier(cfg.Execution.ParallelFileThreshold, cfg.Execution.AnalysisFileThreshold),
		Memory:     mem,
		Costs:      costs,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		registry: registry,
		manager:  manager,
		adapters: adapters,
		orch:     orch,
		costs:    costs,
		memory:   mem,
	}, nil
}

func (a *app) Close() {
	a.registry.Shutdown(3 * time.Second)
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}

// seedExecutionSettings copies the config's execution section into the
// store's runtime-mutable singleton on first boot only.
func seedExecutionSettings(ctx context.Context, store *data.Store, cfg *config.Config) error {
	existing, err := store.GetExecutionSettings(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return store.SaveExecutionSettings(ctx, &types.ExecutionSettings{
		RetryEnabled:          cfg.Execution.RetryEnabled,
		MaxRetries:            cfg.Execution.MaxRetries,
		RetryDelaySec:         cfg.Execution.RetryDelaySec,
		MaxParallelWorkers:    cfg.Execution.MaxParallelWorkers,
		DefaultTimeoutSec:     cfg.Execution.DefaultTimeoutSec,
		ParallelFileThreshold: cfg.Execution.ParallelFileThreshold,
		AnalysisFileThreshold: cfg.Execution.AnalysisFileThreshold,
		ResultTruncateChars:   cfg.Execution.ResultTruncateChars,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived Oxide node (backend monitors + cluster coordinator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stop := a.registry.HandleSignals(ctx, 3*time.Second)
			defer stop()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if snapshot, err := a.cfg.Snapshot(); err == nil {
				if err := a.store.AppendConfigSnapshot(runCtx, snapshot, "startup"); err != nil {
					log.Warn().Err(err).Msg("failed to record config snapshot")
				}
			}

			// Backend autostart and health monitors.
			for _, svc := range a.cfg.Services {
				if !svc.Enabled || svc.Kind == config.KindCLI {
					continue
				}
				report := a.manager.EnsureHealthy(runCtx, svc)
				if !report.Healthy {
					log.Warn().Str("service", svc.ID).Str("error", report.Error).Msg("backend not healthy at startup")
				} else {
					log.Info().Str("service", svc.ID).Str("model", report.RecommendedModel).Msg("backend ready")
					if a.cfg.Backend.WarmupOnStart && svc.Kind == config.KindOllama {
						go a.manager.Warmup(runCtx, svc.BaseURL, report.RecommendedModel)
					}
				}
				if a.cfg.Backend.MonitorIntervalSec > 0 {
					go a.manager.Monitor(runCtx, svc, time.Duration(a.cfg.Backend.MonitorIntervalSec)*time.Second)
				}
			}

			// Hot config reload.
			watchPath := cfgPath
			if watchPath == "" {
				watchPath = config.DefaultPath()
			}
			watcher := config.NewWatcher(watchPath, func(next *config.Config) {
				a.orch.ApplyConfig(next)
				if snapshot, err := next.Snapshot(); err == nil {
					if err := a.store.AppendConfigSnapshot(context.Background(), snapshot, "reload"); err != nil {
						log.Warn().Err(err).Msg("failed to record config snapshot")
					}
				}
			})
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("config watcher disabled")
			} else {
				defer watcher.Stop()
			}

			// Cluster coordinator.
			if a.cfg.Cluster.Enabled {
				coord, err := cluster.New(a.cfg.Cluster, a.store, a.orch, config.DataDir())
				if err != nil {
					return fmt.Errorf("cluster: %w", err)
				}
				if err := coord.Start(runCtx); err != nil {
					return fmt.Errorf("cluster: %w", err)
				}
				defer coord.Stop()
				log.Info().Str("node", coord.NodeID()).Msg("cluster discovery active")
			}

			log.Info().Int("services", len(a.adapters)).Msg("oxide node running, press Ctrl-C to stop")
			<-runCtx.Done()
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var (
		files      []string
		service    string
		taskType   string
		broadcast  bool
		timeoutSec int
		noMemory   bool
		convID     string
	)

	cmd := &cobra.Command{
		Use:   "ask \"prompt\"",
		Short: "Execute one task and stream the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stop := a.registry.HandleSignals(ctx, 3*time.Second)
			defer stop()

			prefs := orchestrator.Preferences{
				PreferredService: service,
				TaskType:         taskType,
				BroadcastAll:     broadcast,
				ConversationID:   convID,
			}
			if timeoutSec > 0 {
				prefs.Timeout = time.Duration(timeoutSec) * time.Second
			}
			if noMemory {
				off := false
				prefs.UseMemory = &off
			}

			ch, err := a.orch.ExecuteTask(ctx, args[0], files, prefs)
			if err != nil {
				return err
			}

			var failed error
			for c := range ch {
				switch c.Type {
				case orchestrator.ChunkText:
					if broadcast && c.Service != "" {
						fmt.Printf("[%s] %s", c.Service, c.Text)
					} else {
						fmt.Print(c.Text)
					}
				case orchestrator.ChunkWarning:
					fmt.Fprintln(os.Stderr, warnStyle.Render("warning: "+c.Text))
				case orchestrator.ChunkDone:
					if broadcast && c.Service != "" {
						fmt.Printf("\n%s\n", dimStyle.Render("["+c.Service+" done]"))
					}
				case orchestrator.ChunkError:
					failed = c.Err
					if failed == nil {
						failed = fmt.Errorf("%s", c.Text)
					}
				}
			}
			fmt.Println()
			if failed != nil {
				return failed
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().StringVarP(&service, "service", "s", "", "pin a specific service")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "override the task category")
	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "fan out to every available service")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "per-request timeout in seconds")
	cmd.Flags().BoolVar(&noMemory, "no-memory", false, "disable conversation context enrichment")
	cmd.Flags().StringVar(&convID, "conversation", "", "continue an explicit conversation id")
	return cmd
}
