// LibreQoS queue tracker main

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jaber-the-great/LibreQoS/circuits"
	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/tracker"
	"github.com/jaber-the-great/LibreQoS/watched"
)

var mainLog = logger.NewCompLogger("main")

var useStdoutMetricsQueue = flag.Bool(
	"use-stdout-metrics-queue",
	false,
	"Print metrics to stdout instead of sending to import endpoints",
)

func main() {
	var (
		err error
	)

	// Setup things in the proper order:

	// Parse args:
	flag.Parse()

	// Config:
	tracker.GlobalTrackerConfig, err = tracker.LoadTrackerConfigFromArgs()
	if errors.Is(err, tracker.ErrConfigFileArgNotProvided) {
		tracker.GlobalTrackerConfig, err = tracker.DefaultTrackerConfig(), nil
	}
	if err != nil {
		mainLog.Fatal(err)
	}
	cfg := tracker.GlobalTrackerConfig

	// Logger:
	err = logger.SetLogger(cfg.LoggerConfig)
	if err != nil {
		mainLog.Fatal(err)
	}

	err = tracker.InitGlobals(cfg)
	if err != nil {
		mainLog.Fatal(err)
	}

	shutdownMaxWait, err := time.ParseDuration(cfg.GlobalConfig.ShutdownMaxWait)
	if err != nil {
		mainLog.Fatalf("shutdown_max_wait: %v", err)
	}

	// Circuit directory:
	tracker.GlobalCircuitsMonitor, err = circuits.NewQueuingStructureMonitor(cfg.CircuitsConfig)
	if err != nil {
		mainLog.Fatal(err)
	}
	err = tracker.GlobalCircuitsMonitor.Start()
	if err != nil {
		mainLog.Fatal(err)
	}
	defer tracker.GlobalCircuitsMonitor.Shutdown()

	// Watch registry:
	tracker.GlobalWatchedQueues, err = watched.NewWatchedQueues(
		cfg.WatchedQueuesConfig,
		tracker.GlobalCircuitsMonitor,
	)
	if err != nil {
		mainLog.Fatal(err)
	}

	// Exporters:
	tracker.GlobalExporters = tracker.NewRecordExporters()

	if cfg.VmExporterConfig.Enabled {
		if !*useStdoutMetricsQueue {
			// Real queue w/ compressed metrics sent to import endpoints:
			tracker.GlobalHttpEndpointPool, err = tracker.NewHttpEndpointPool(cfg)
			if err != nil {
				mainLog.Fatal(err)
			}

			tracker.GlobalCompressorPool, err = tracker.NewCompressorPool(cfg)
			if err != nil {
				mainLog.Fatal(err)
			}
			tracker.GlobalMetricsQueue = tracker.GlobalCompressorPool

			tracker.GlobalCompressorPool.Start(tracker.GlobalHttpEndpointPool)
			// N.B. stop the HTTP pool *before* the compressor pool, otherwise the
			// latter may be stuck in send:
			defer tracker.GlobalCompressorPool.Shutdown()
			defer tracker.GlobalHttpEndpointPool.Shutdown()
		} else {
			// Simulated queue w/ metrics displayed to stdout:
			stdoutMetricsQueue, err := tracker.NewStdoutMetricsQueue(cfg)
			if err != nil {
				mainLog.Fatal(err)
			}
			tracker.GlobalMetricsQueue = stdoutMetricsQueue
			defer stdoutMetricsQueue.Shutdown()

			buf := stdoutMetricsQueue.GetBuf()
			fmt.Fprintf(buf, "# Metrics will be displayed at stdout\n")
			stdoutMetricsQueue.QueueBuf(buf)
		}

		vmExporter, err := tracker.NewVmExporter(cfg, tracker.GlobalMetricsQueue)
		if err != nil {
			mainLog.Fatal(err)
		}
		tracker.GlobalExporters.Add(vmExporter)
	}

	if cfg.NatsExporterConfig.Enabled {
		tracker.GlobalNatsExporter, err = tracker.NewNatsExporter(cfg)
		if err != nil {
			mainLog.Fatal(err)
		}
		defer tracker.GlobalNatsExporter.Shutdown()
		tracker.GlobalExporters.Add(tracker.GlobalNatsExporter)
	}

	if cfg.ClickhouseExporterConfig.Enabled {
		tracker.GlobalClickhouseExporter, err = tracker.NewClickhouseExporter(cfg)
		if err != nil {
			mainLog.Fatal(err)
		}
		defer tracker.GlobalClickhouseExporter.Shutdown()
		tracker.GlobalExporters.Add(tracker.GlobalClickhouseExporter)
	}

	if tracker.GlobalExporters.Len() == 0 {
		mainLog.Warn("no exporter enabled, the stats will be collected but not exported")
	}

	// Scheduler:
	tracker.GlobalScheduler, err = tracker.NewScheduler(cfg)
	if err != nil {
		mainLog.Fatal(err)
	}
	tracker.GlobalScheduler.Start()
	defer tracker.GlobalScheduler.Shutdown()

	taskList, err := tracker.TaskBuilders.Build(cfg)
	if err != nil {
		mainLog.Fatal(err)
	}
	for _, task := range taskList {
		tracker.GlobalScheduler.AddTask(task)
	}

	// API server, after the tasks were built since the collector needs the
	// poller:
	if cfg.ApiServerConfig.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			tracker.NewTrackerCollectorFromGlobals(),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		tracker.GlobalApiServer, err = tracker.NewApiServer(
			cfg,
			tracker.GlobalWatchedQueues,
			tracker.GlobalCircuitsMonitor,
			registry,
		)
		if err != nil {
			mainLog.Fatal(err)
		}
		err = tracker.GlobalApiServer.Start()
		if err != nil {
			mainLog.Fatal(err)
		}
		defer tracker.GlobalApiServer.Shutdown()
	}

	// Block until a signal is received:
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	mainLog.Warnf("Received %s signal, exiting", sig)

	// Set a timeout watchdog, just in case:
	go func() {
		timer := time.NewTimer(shutdownMaxWait)
		<-timer.C
		mainLog.Fatalf("shutdown timed out after %s", shutdownMaxWait)
	}()
}
