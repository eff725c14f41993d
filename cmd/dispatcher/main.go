/*
Copyright 2024 The Namastack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/namastack/outbox/pkg/config"
	"github.com/namastack/outbox/pkg/metricscollector"
	"github.com/namastack/outbox/pkg/outbox"
	"github.com/namastack/outbox/pkg/signals"
	"github.com/namastack/outbox/pkg/storage"
)

func main() {
	var configFile string
	var envFile string
	var zapDevel bool
	flag.StringVar(&configFile, "config", "", "Path to the YAML configuration file.")
	flag.StringVar(&envFile, "env-file", "", "Optional .env file loaded before configuration resolution.")
	flag.BoolVar(&zapDevel, "zap-devel", false, "Use the zap development encoder.")
	flag.Parse()

	logger, err := buildLogger(zapDevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building logger: %v\n", err)
		os.Exit(1)
	}
	setupLog := logger.WithName("setup")

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			setupLog.Error(err, "unable to load env file", "path", envFile)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}
	if cfg.Database.DSN == "" {
		setupLog.Error(nil, "no database DSN configured; set OUTBOX_DB_DSN or database.dsn")
		os.Exit(1)
	}

	ctx := signals.Context(logger.WithName("signals"))

	store, err := storage.Open(ctx, storage.Config{
		Driver:            cfg.Database.Driver,
		DSN:               cfg.Database.DSN,
		TablePrefix:       cfg.Schema.TablePrefix,
		SchemaName:        cfg.Schema.SchemaName,
		Timeout:           cfg.StorageTimeout.D(),
		InitializeOnStart: cfg.Schema.InitializeOnStart,
	}, logger)
	if err != nil {
		setupLog.Error(err, "unable to open the outbox store")
		os.Exit(1)
	}
	defer store.Close()

	dispatcher, err := outbox.New(cfg, store, logger)
	if err != nil {
		setupLog.Error(err, "unable to assemble the dispatcher")
		os.Exit(1)
	}

	startMetricsServer(cfg.MetricsAddr, dispatcher.Metrics(), setupLog)
	startHealthServer(cfg.HealthAddr, setupLog)

	setupLog.Info("starting dispatcher", "instanceID", dispatcher.InstanceID(), "driver", cfg.Database.Driver)
	if err := dispatcher.Run(ctx); err != nil {
		setupLog.Error(err, "dispatcher exited with error")
		os.Exit(1)
	}
}

func buildLogger(devel bool) (logr.Logger, error) {
	var zc zap.Config
	if devel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

func startMetricsServer(addr string, metrics *metricscollector.PromMetrics, logger logr.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server failed", "addr", addr)
		}
	}()
}

func startHealthServer(addr string, logger logr.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "health server failed", "addr", addr)
		}
	}()
}
