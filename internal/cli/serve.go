package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"feedcrawler/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the crawl worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.addr")
	serveCmd.Flags().Bool("no-autorun", false, "Do not start the worker until asked through the API")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(context.Background(), cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		rt.cfg.Server.Addr = addr
	}
	rt.bus.Log("info", "服务启动", map[string]any{
		"addr":     rt.cfg.Server.Addr,
		"provider": rt.fetcher.Name(),
		"workerId": rt.cfg.Worker.ID,
	})

	api := httpapi.New(httpapi.Options{
		Cfg:    rt.cfg,
		Bus:    rt.bus,
		Store:  rt.store,
		Engine: rt.engine,
	})

	server := &http.Server{
		Addr:              rt.cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	if noAuto, _ := cmd.Flags().GetBool("no-autorun"); !noAuto {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rt.engine.AutoRunByStore(ctx); err != nil {
			rt.bus.Log("warn", "自动启动引擎失败", map[string]any{"error": err.Error()})
		}
		cancel()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		rt.bus.Log("info", "收到退出信号", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.bus.Log("error", "HTTP 服务异常", map[string]any{"error": err.Error()})
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	rt.close(shutdownCtx)
	return runErr
}
