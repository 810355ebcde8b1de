package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soyunomas/topowarden/internal/config"
	"github.com/soyunomas/topowarden/internal/dissector"
	"github.com/soyunomas/topowarden/internal/engine"
	"github.com/soyunomas/topowarden/internal/logging"
	"github.com/soyunomas/topowarden/internal/notifier"
	"github.com/soyunomas/topowarden/internal/pattern"
	"github.com/soyunomas/topowarden/internal/sniffer"
	"github.com/soyunomas/topowarden/internal/topology"
)

func main() {
	// Flags
	configPath := flag.String("config", "configs/config.toml", "Path to configuration file")
	flag.Parse()

	// 1. Configuración
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error loading config: %v\n", err)
		os.Exit(1)
	}

	// 1.5 Logging
	logFile, err := logging.Init(&cfg.System)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := logging.Component("main")

	if len(cfg.Network.Interfaces) == 0 {
		log.Error("No interfaces defined in config (network.interfaces = [])")
		os.Exit(1)
	}

	// 2. Notifier
	notify := notifier.NewNotifier(&cfg.Alerts, cfg.System.SensorName)

	// 3. Estado compartido entre interfaces: una topología, un detector
	tracker := topology.NewTracker(topology.LimitsFromConfig(&cfg.Topology))
	tracker.SetEventHook(engine.EventHook(notify, logging.Component("topology")))

	caps := dissector.NegotiateCapabilities(cfg.Dissector)
	log.Info("Optional decoders negotiated", "enabled", caps.Enabled())

	opts := pattern.OptionsFromConfig(&cfg.Pattern)
	opts.Logger = logging.Component("pattern")

	eng := engine.New(
		dissector.New(caps, tracker, logging.Component("dissector")),
		pattern.NewDetector(opts),
		tracker,
		&cfg.Pattern,
		logging.Component("engine"),
	)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 4. Un sniffer por interfaz
	var wg sync.WaitGroup

	log.Info("TopoWarden starting", "interfaces", cfg.Network.Interfaces)
	notify.Alert(fmt.Sprintf("🟢 %s Started (Monitors: %v)", cfg.System.SensorName, cfg.Network.Interfaces))

	for _, ifaceName := range cfg.Network.Interfaces {
		wg.Add(1)
		go func(iface string) {
			defer wg.Done()
			log.Info("Launching stack", "iface", iface)

			if err := sniffer.Run(ctx, iface, cfg, eng); err != nil {
				log.Error("Critical error on interface", "iface", iface, "error", err)
				notify.Alert(fmt.Sprintf("❌ Stack failure on %s: %v", iface, err))
			} else {
				log.Info("Stack stopped", "iface", iface)
			}
		}(ifaceName)
	}

	// 5. Resumen periódico
	interval := config.ParseDuration(cfg.System.SummaryInterval, time.Minute, "system.summary_interval")
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.RunReporter(ctx, interval)
	}()

	// 6. Telemetría
	var metricsSrv *http.Server
	if cfg.Telemetry.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Telemetry.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("Metrics server listening", "addr", cfg.Telemetry.ListenAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Failed to start metrics", "error", err)
			}
		}()
	}

	// Bloqueo principal hasta la señal
	receivedSig := <-sigChan
	log.Info("Signal received, shutting down stacks", "signal", receivedSig.String())

	cancel()
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		done()
	}

	s := tracker.Summary()
	log.Info("Final topology",
		"lldp_neighbors", s.LLDPNeighbors,
		"cdp_neighbors", s.CDPNeighbors,
		"vlans", s.VLANs,
		"multicast_groups", s.MulticastGroups,
		"root_bridge", s.RootBridge)

	notify.Alert(fmt.Sprintf("🔴 %s stopped gracefully", cfg.System.SensorName))
	notify.Close()
	slog.Info("Goodbye.")
}
