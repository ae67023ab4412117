package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/yangzhouQS/flow-node-engine-sub002/internal/config"
	"github.com/yangzhouQS/flow-node-engine-sub002/internal/metrics"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/flow/model"
	"github.com/yangzhouQS/flow-node-engine-sub002/pkg/storage/inmemory"
)

func main() {
	conf := config.InitConfig()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: hclog.LevelFromString(conf.LogLevel),
	})

	retryDelay, err := conf.Compensation.RetryDelayDuration()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	options := []flow.EngineOption{
		flow.EngineWithName(conf.Name),
		flow.EngineWithLogger(log),
		flow.EngineWithStorage(inmemory.NewStorage()),
		flow.EngineWithGraphProvider(model.NewStaticProvider()),
		flow.EngineWithCompensationRetry(conf.Compensation.MaxRetries, retryDelay),
	}
	if conf.Metrics.Enabled {
		registry := metrics.NewRegistry(conf.Name)
		options = append(options, flow.EngineWithMetrics(registry))
		go func() {
			log.Info("serving metrics", "addr", conf.Metrics.Addr)
			if err := http.ListenAndServe(conf.Metrics.Addr, registry.Handler()); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	engine := flow.NewEngine(options...)
	log.Info("engine started", "name", engine.Name())

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Info("received signal, shutting down", "signal", sig.String())
}
