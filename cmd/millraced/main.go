// Command millraced runs the millrace pipeline daemon: the worker
// dispatcher, the consistency validator, and the HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"millrace/internal/config"
	"millrace/internal/daemon"
	"millrace/internal/dispatcher"
	"millrace/internal/logging"
	"millrace/internal/metrics"
	"millrace/internal/pipeline"
	"millrace/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := pipeline.Open(cfg)
	if err != nil {
		logger.Error("open pipeline store", logging.Error(err))
		return
	}

	collector := metrics.NewCollector()
	disp := dispatcher.New(cfg, store, logger, collector)
	val := validator.New(cfg, store, logger, collector)

	d, err := daemon.New(cfg, store, logger, disp, val, collector)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		_ = store.Close()
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	d.Stop()
}
