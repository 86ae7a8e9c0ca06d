package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"groupchat/loadtest/generator"
	"groupchat/loadtest/metrics"
	"groupchat/loadtest/pool"
	"groupchat/server/logging"
)

func main() {
	host := flag.String("host", "localhost:8080", "Server host:port")
	workers := flag.Int("workers", 32, "Number of concurrent chat users")
	totalMessages := flag.Int("messages", 500000, "Total number of jobs to run")
	rooms := flag.Int("rooms", 20, "Number of rooms to spread jobs over")
	warmup := flag.Int("warmup", 1000, "Warmup jobs per worker; 0 skips the warmup")
	out := flag.String("out", "results.csv", "CSV file for per-job records")
	chart := flag.String("chart", "chart.html", "HTML throughput chart; empty skips it")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Generator seed")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if *workers < 1 || *rooms < 1 || *totalMessages < 0 {
		log.Fatal("workers and rooms must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	cfg := pool.Config{URL: u.String(), Log: log.Named("pool")}
	names := generator.RoomNames(*rooms)
	log.Info("starting load test",
		zap.String("url", cfg.URL),
		zap.Int("workers", *workers),
		zap.String("jobs", humanize.Comma(int64(*totalMessages))),
		zap.Int("rooms", *rooms))

	if *warmup > 0 {
		start := time.Now()
		gen := generator.New(*workers**warmup, names, 10000, *seed)
		go gen.Run(ctx)
		wcfg := cfg
		wcfg.Prefix = "warmup"
		pool.New(*workers, gen.Output, pool.Discard, wcfg).Run(ctx)
		log.Info("warmup complete", zap.Duration("took", time.Since(start)))
	}
	if ctx.Err() != nil {
		return
	}

	collector, err := metrics.NewCollector(*out)
	if err != nil {
		log.Fatal("create collector", zap.Error(err))
	}
	collector.Start()

	// Buffer size 10000 to avoid blocking the generator
	gen := generator.New(*totalMessages, names, 10000, *seed+1)
	go gen.Run(ctx)

	start := time.Now()
	pool.New(*workers, gen.Output, collector, cfg).Run(ctx)
	wall := time.Since(start)

	collector.Close()
	<-collector.Done

	collector.PrintSummary(os.Stdout)
	fmt.Printf("Wall Time: %.2f seconds\n", wall.Seconds())
	if *chart != "" {
		if err := collector.GenerateChart(*chart); err != nil {
			log.Error("write chart", zap.Error(err))
			return
		}
		log.Info("chart written", zap.String("path", *chart))
	}
}
