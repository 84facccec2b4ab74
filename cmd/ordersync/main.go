package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/config"
	"github.com/iurnickita/ordersync/internal/handler"
	"github.com/iurnickita/ordersync/internal/logger"
	"github.com/iurnickita/ordersync/internal/service"
	"github.com/iurnickita/ordersync/internal/store"
	"github.com/iurnickita/ordersync/internal/transform"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config")
	once := flag.Bool("once", false, "sync every store once and exit")
	flag.Parse()

	cfg, err := config.GetConfig(*configPath)
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	service, err := service.NewService(cfg.Service, store, transform.NewLogSink(zaplog.Named("events")), zaplog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		summaries, err := service.SyncAll(ctx)
		for _, s := range summaries {
			zaplog.Info("sync summary",
				zap.String("store", s.Store),
				zap.String("batch_id", s.BatchID),
				zap.Int("fetched", s.Fetched),
				zap.Int("transformed", s.Transformed),
				zap.Int("failed", s.Failed),
			)
		}
		return err
	}

	return handler.Serve(ctx, cfg.Handler, service, zaplog)
}
