package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"feedcrawler/internal/config"
	"feedcrawler/internal/engine"
	"feedcrawler/internal/logbus"
	"feedcrawler/internal/notify"
	"feedcrawler/internal/provider"
	"feedcrawler/internal/provider/browser"
	"feedcrawler/internal/provider/remote"
	"feedcrawler/internal/store/sqlite"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "feedcrawler",
	Short: "Session-aware feed crawling worker",
	Long: `feedcrawler plans crawl tasks for each owner's targets, runs them on
synced account sessions under a risk-aware scroll pacer, and cools down
targets and sessions that look blocked.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "./config.yaml", "Path to config.yaml")
	rootCmd.PersistentFlags().String("log-level", "info", "Minimum log level (debug, info, warn, error)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("feedcrawler %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// runtime is everything a command needs to drive the worker.
type runtime struct {
	cfg     config.Config
	bus     *logbus.Bus
	store   *sqlite.Store
	fetcher provider.Fetcher
	email   *notify.EmailNotifier
	engine  *engine.Engine
}

func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	bus := logbus.New(200)
	bus.SetLevel(strings.ToLower(strings.TrimSpace(level)))

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	fetcher, err := newFetcher(cfg.Provider, bus)
	if err != nil {
		_ = store.Close()
		bus.Close()
		return nil, err
	}

	email := notify.NewEmailNotifier(store, bus, notify.EmailOptions{SummaryWindow: -1})
	eng := engine.New(engine.Options{
		Store:    store,
		Fetcher:  fetcher,
		Bus:      bus,
		Notifier: notify.Multi{notify.BusNotifier{Bus: bus}, email},
		Limits:   cfg.Limits,
		Worker:   cfg.Worker,
		Planner:  cfg.Planner,
		Proxy:    cfg.Proxy,
	})

	return &runtime{cfg: cfg, bus: bus, store: store, fetcher: fetcher, email: email, engine: eng}, nil
}

func newFetcher(cfg config.ProviderConfig, bus *logbus.Bus) (provider.Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "browser":
		return browser.New(cfg.Browser, bus), nil
	case "remote":
		return remote.New(cfg.Remote, bus), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %q", cfg.Kind)
	}
}

// close releases resources in reverse order of opening.
func (rt *runtime) close(ctx context.Context) {
	_ = rt.engine.StopAll(ctx)
	_ = rt.email.Close(ctx)
	if err := rt.fetcher.Close(); err != nil {
		rt.bus.Log("warn", "关闭采集器失败", map[string]any{"error": err.Error()})
	}
	_ = rt.store.Close()
	rt.bus.Close()
}
