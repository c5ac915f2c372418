package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/runtimeadapter"
	"github.com/zemfyre/device-supervisor/internal/supervisor"
)

func main() {
	log := logging.Named("main")
	log.Infow("starting device supervisor")

	// Load configuration from environment
	cfg := supervisor.Config{
		DataDir:       getEnvOrDefault("SUPERVISOR_DATA_DIR", "/var/lib/device-supervisor"),
		CloudURL:      getEnvOrDefault("CLOUD_API_URL", ""),
		InsecureTLS:   getEnvOrDefault("CLOUD_INSECURE_TLS", "false") == "true",
		FleetKey:      os.Getenv("FLEET_PROVISIONING_KEY"),
		DeviceName:    os.Getenv("DEVICE_NAME"),
		DeviceType:    os.Getenv("DEVICE_TYPE"),
		MQTTBrokerURL: os.Getenv("MQTT_BROKER_URL"),

		ReconcileInterval:  envDurationMs("RECONCILE_INTERVAL_MS", 30_000),
		TargetPollInterval: envDurationMs("TARGET_POLL_INTERVAL_MS", 15_000),
		ReportInterval:     envDurationMs("REPORT_INTERVAL_MS", 30_000),
		JobPollInterval:    envDurationMs("JOB_POLL_INTERVAL_MS", 20_000),
		LogFlushInterval:   envDurationMs("LOG_FLUSH_INTERVAL_MS", 5_000),
		LogMaxBatch:        envInt("LOG_MAX_BATCH", 256),
		ShutdownGrace:      envDurationMs("SHUTDOWN_GRACE_MS", 30_000),
	}

	if cfg.CloudURL == "" {
		log.Fatalw("CLOUD_API_URL environment variable is required")
	}

	runtime, err := runtimeadapter.NewDockerAdapter(os.Getenv("DOCKER_HOST"))
	if err != nil {
		log.Fatalw("connecting to container runtime", "error", err)
	}

	sup, err := supervisor.New(cfg, runtime)
	if err != nil {
		log.Fatalw("building supervisor", "error", err)
	}

	// Optional metrics endpoint; the core itself never serves HTTP.
	if addr := os.Getenv("METRICS_LISTEN_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(sup.Metrics().Registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warnw("metrics listener stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Fatalw("supervisor exited", "error", err)
	}
	log.Infow("device supervisor stopped")
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(envInt(key, fallbackMs)) * time.Millisecond
}
