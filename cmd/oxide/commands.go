package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/oxidehq/oxide/internal/backend"
	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/cost"
	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/memory"
	"github.com/oxidehq/oxide/internal/procs"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// openStore opens the SQLite store without the full execution stack, for
// commands that only read or mutate persisted state.
func openStore() (*config.Config, *data.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := data.New(cfg.Storage.DBPath, cfg.Storage.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every configured service and show node state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.orch.Status(ctx)

			fmt.Println(headerStyle.Render("Services"))
			ids := make([]string, 0, len(st.Services))
			for id := range st.Services {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				mark := okStyle.Render("✅ available")
				if !st.Services[id] {
					mark = badStyle.Render("❌ unavailable")
				}
				fmt.Printf("  %-14s %s\n", id, mark)
			}

			fmt.Println()
			fmt.Println(headerStyle.Render("Tasks"))
			fmt.Printf("  active: %d  total: %d\n", st.ActiveTasks, st.TotalTasks)

			if err := a.store.Health(); err != nil {
				fmt.Printf("\n%s %v\n", badStyle.Render("Store unhealthy:"), err)
			}

			if a.cfg.Cluster.Enabled {
				peers, err := a.store.ListPeers(ctx)
				if err == nil {
					fmt.Println()
					fmt.Println(headerStyle.Render("Peers"))
					if len(peers) == 0 {
						fmt.Println(dimStyle.Render("  none discovered yet"))
					}
					for _, p := range peers {
						fmt.Printf("  %-22s %-14s last seen %s\n",
							p.NodeID, p.Hostname, p.LastSeen.Format(time.RFC3339))
					}
				}
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models [service]",
		Short: "List the models each HTTP backend reports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager := backend.NewManager(cfg.Backend, "", procs.NewRegistry())

			services := cfg.Services
			if len(args) == 1 {
				svc, ok := cfg.Service(args[0])
				if !ok {
					return fmt.Errorf("unknown service %q", args[0])
				}
				services = []config.ServiceConfig{svc}
			}

			for _, svc := range services {
				if svc.Kind == config.KindCLI {
					fmt.Printf("%s\n  %s\n", headerStyle.Render(svc.ID),
						dimStyle.Render("CLI backend, models managed by the tool itself"))
					continue
				}
				models, err := manager.ListModels(ctx, svc.BaseURL, svc.Kind)
				if err != nil {
					fmt.Printf("%s\n  %s\n", headerStyle.Render(svc.ID),
						badStyle.Render("unreachable: "+err.Error()))
					continue
				}
				fmt.Println(headerStyle.Render(svc.ID))
				if len(models) == 0 {
					fmt.Println(dimStyle.Render("  no models installed"))
				}
				for _, m := range models {
					marker := "  "
					if m == svc.Model {
						marker = "▸ "
					}
					fmt.Printf("  %s%s\n", marker, m)
				}
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PEERS
// ═══════════════════════════════════════════════════════════════════════════════

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect and manage discovered cluster peers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known peers",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			peers, err := store.ListPeers(ctx)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("No peers discovered. Is `oxide serve` running with cluster.enabled?")
				return nil
			}
			fmt.Println(headerStyle.Render(fmt.Sprintf("%-22s %-14s %-16s %-8s %-9s %s",
				"NODE", "HOST", "ADDRESS", "ENABLED", "SCORE", "LAST SEEN")))
			for _, p := range peers {
				enabled := okStyle.Render("yes")
				if !p.Enabled {
					enabled = dimStyle.Render("no")
				}
				fmt.Printf("%-22s %-14s %-16s %-8s %-9.1f %s\n",
					p.NodeID, p.Hostname,
					fmt.Sprintf("%s:%d", p.IPAddress, p.Port),
					enabled, p.Score(),
					p.LastSeen.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	setEnabled := func(enabled bool) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetPeerEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			verb := "enabled"
			if !enabled {
				verb = "disabled"
			}
			fmt.Printf("✅ Peer %s %s\n", args[0], verb)
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <node-id>",
		Short: "Allow delegating tasks to a peer",
		Args:  cobra.ExactArgs(1),
		RunE:  setEnabled(true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable <node-id>",
		Short: "Stop delegating tasks to a peer",
		Args:  cobra.ExactArgs(1),
		RunE:  setEnabled(false),
	})
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUDGET / COSTS
// ═══════════════════════════════════════════════════════════════════════════════

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Set and check spend budgets",
	}

	var alertFraction float64
	setCmd := &cobra.Command{
		Use:   "set <daily|weekly|monthly> <limit>",
		Short: "Set a spend limit for a period",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			limit, err := strconv.ParseFloat(args[1], 64)
			if err != nil || limit <= 0 {
				return fmt.Errorf("limit must be a positive number, got %q", args[1])
			}
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			b, err := cost.New(store).SetBudget(ctx, args[0], limit, alertFraction)
			if err != nil {
				return err
			}
			fmt.Printf("✅ %s budget set to %.2f %s (alert at %.0f%%)\n",
				b.Period, b.Limit, cfg.Cost.Currency, b.AlertFraction*100)
			return nil
		},
	}
	setCmd.Flags().Float64Var(&alertFraction, "alert-at", 0.8, "warn when spend crosses this fraction of the limit")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "check [period]",
		Short: "Show spend against active budgets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			tracker := cost.New(store)

			periods := []string{"daily", "weekly", "monthly"}
			if len(args) == 1 {
				periods = []string{args[0]}
			}
			shown := 0
			for _, period := range periods {
				st, err := tracker.CheckBudget(ctx, period)
				if err != nil {
					if len(args) == 1 {
						return err
					}
					continue
				}
				shown++
				bar := okStyle
				note := ""
				switch {
				case st.Exceeded:
					bar = badStyle
					note = "  EXCEEDED"
				case st.Ratio >= st.AlertFraction:
					bar = warnStyle
					note = "  approaching limit"
				}
				fmt.Printf("%-8s %s%s\n", st.Period,
					bar.Render(fmt.Sprintf("%.2f / %.2f %s (%.0f%%)",
						st.Current, st.Limit, cfg.Cost.Currency, st.Ratio*100)),
					note)
			}
			if shown == 0 {
				fmt.Println("No budgets configured. Set one with `oxide budget set daily 10`.")
			}
			return nil
		},
	})
	return cmd
}

func costsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Show recorded spend by service and by day",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			tracker := cost.New(store)

			since := time.Now().AddDate(0, 0, -days)
			total, err := tracker.Total(ctx, since, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("%s %.4f %s (last %d days)\n\n",
				headerStyle.Render("Total:"), total, cfg.Cost.Currency, days)

			byService, err := tracker.ByService(ctx, since)
			if err != nil {
				return err
			}
			if len(byService) > 0 {
				fmt.Println(headerStyle.Render(fmt.Sprintf("%-14s %10s %10s %10s %8s",
					"SERVICE", "COST", "IN TOK", "OUT TOK", "REQS")))
				for _, sc := range byService {
					fmt.Printf("%-14s %10.4f %10d %10d %8d\n",
						sc.Service, sc.Cost, sc.InputTokens, sc.OutputTokens, sc.Requests)
				}
				fmt.Println()
			}

			daily, err := tracker.Daily(ctx, days)
			if err != nil {
				return err
			}
			for _, d := range daily {
				fmt.Printf("%s  %.4f\n", d.Day, d.Cost)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "lookback window in days")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY / CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage conversation memory",
	}

	var olderThanDays int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations older than the retention horizon",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			horizon := olderThanDays
			if horizon <= 0 {
				horizon = cfg.Memory.PruneAfterDays
			}
			removed, err := memory.New(store).Prune(ctx, horizon)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Pruned %d conversations older than %d days\n", removed, horizon)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "retention horizon in days (default from config)")
	cmd.AddCommand(pruneCmd)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the active configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snapshot, err := cfg.Snapshot()
			if err != nil {
				return err
			}
			// Snapshot keeps api_key values; blank them for terminal output.
			for _, line := range strings.Split(snapshot, "\n") {
				if strings.Contains(line, "api_key:") {
					idx := strings.Index(line, "api_key:")
					fmt.Println(line[:idx] + "api_key: '[redacted]'")
					continue
				}
				fmt.Println(line)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(c *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			fmt.Println(config.DefaultPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List recorded config snapshots",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			snaps, err := store.ListConfigSnapshots(ctx, 20)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No snapshots recorded yet.")
				return nil
			}
			for _, s := range snaps {
				fmt.Printf("%s  %-10s %s\n",
					s.CreatedAt.Format("2006-01-02 15:04:05"), s.Note,
					dimStyle.Render(fmt.Sprintf("(%d bytes)", len(s.Snapshot))))
			}
			return nil
		},
	})
	return cmd
}
