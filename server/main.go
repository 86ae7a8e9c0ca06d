package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"groupchat/server/app"
	"groupchat/server/config"
	"groupchat/server/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "groupchat:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before reading CHAT_* variables")
	addr := flag.String("addr", "", "listen address, overrides server.address")
	dbPath := flag.String("db", "", "pebble directory, overrides store.path")
	memory := flag.Bool("memory", false, "keep all state in memory")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath, true)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *memory {
		cfg.Store.Path = ""
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      a.Handler(),
		Addr:         cfg.Server.Address,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			a.Close()
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		return err
	}
	log.Info("server exiting")
	return nil
}
