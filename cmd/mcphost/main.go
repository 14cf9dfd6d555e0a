package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/greenstem/mcphost"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcphost",
		Short:         "mcphost, an MCP server hosting pluggable extensions",
		Long:          "mcphost serves tools, resources and prompts over the Model Context Protocol,\nloading them from builtin bundles, Go plugins, Python extensions and proxied\nexternal MCP servers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to config file")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newServeCmd())

	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newServeCmd() *cobra.Command {
	var flagStdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server over HTTP/SSE, or over stdio with --stdio for use as a
child process of an MCP client.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := mcphost.LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			return serve(cfg, flagStdio)
		},
	}

	cmd.Flags().BoolVar(&flagStdio, "stdio", false, "Serve over stdin/stdout instead of HTTP/SSE")

	return cmd
}

func serve(cfg mcphost.Config, stdio bool) error {
	logger := newLogger()
	info := mcphost.Info{Name: cfg.Name, Version: cfg.Version}

	env, err := mcphost.LoadDotEnv(cfg.ExtensionsDir)
	if err != nil {
		return err
	}

	registry := mcphost.NewRegistry(logger)
	proxy := mcphost.NewProxy(info, logger)
	defer proxy.CloseAll()

	py, err := mcphost.NewPyRunner(cfg.Python, filepath.Join(os.TempDir(), "mcphost-helpers"),
		mcphost.WithPyEnv(env),
		mcphost.WithPyTimeout(cfg.CallTimeout),
		mcphost.WithPyLogger(logger))
	if err != nil {
		return err
	}

	loader := mcphost.NewLoader(registry, proxy, py, cfg.ExtensionsDir, logger)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), time.Minute)
	fromSources := loader.Load(loadCtx, cfg.Sources)
	fromDir := loader.LoadDir(loadCtx)
	loadCancel()
	logger.Info("extension loading finished",
		slog.Int("sources", fromSources),
		slog.Int("files", fromDir))

	if stdio {
		return serveStdio(cfg, info, registry, logger)
	}
	return serveSSE(cfg, info, registry, logger)
}

func serveStdio(cfg mcphost.Config, info mcphost.Info, registry *mcphost.Registry, logger *slog.Logger) error {
	transport := mcphost.NewStdIO(os.Stdin, os.Stdout, logger)
	srv := mcphost.NewServer(info, transport, registry,
		mcphost.WithServerLogger(logger),
		mcphost.WithServerCallTimeout(cfg.CallTimeout))

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown server", slog.String("err", err.Error()))
		}
	}()

	logger.Info("serving MCP over stdio", slog.String("name", info.Name))
	srv.Serve()
	return nil
}

func serveSSE(cfg mcphost.Config, info mcphost.Info, registry *mcphost.Registry, logger *slog.Logger) error {
	sseServer := mcphost.NewSSEServer(cfg.MessagesPath, mcphost.WithSSEServerLogger(logger))
	srv := mcphost.NewServer(info, sseServer, registry,
		mcphost.WithServerLogger(logger),
		mcphost.WithServerCallTimeout(cfg.CallTimeout))

	mux := http.NewServeMux()
	mux.Handle(cfg.SSEPath, sseServer.HandleSSE())
	mux.Handle(cfg.MessagesPath, sseServer.HandleMessage())
	mux.Handle(cfg.InfoPath, mcphost.InfoHandler(info, registry))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("serving MCP over SSE",
			slog.String("listen", cfg.Listen),
			slog.String("ssePath", cfg.SSEPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go srv.Serve()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-sigs:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown server", slog.String("err", err.Error()))
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}
