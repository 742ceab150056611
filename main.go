package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/craft-proxy/pkg/config"
	"github.com/craft-proxy/pkg/logging"
	"github.com/craft-proxy/pkg/routing"
	"github.com/craft-proxy/pkg/server"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	checkConfig   = kingpin.Flag("config.check", "Parse and validate the configuration, then exit.").Bool()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9090").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
)

func main() {
	kingpin.Parse()

	appConfig, err := config.LoadConfig(*configFile)
	if err != nil {
		logging.Fatalf("Failed to load config file: %v", err)
	}

	// Route validation happens before any socket is opened.
	table, err := routing.NewTable(appConfig.Routes)
	if err != nil {
		logging.Fatalf("Invalid routes: %v", err)
	}

	if *checkConfig {
		logging.Logf("Configuration OK: %d route(s) on %d listener(s)", table.Len(), len(table.ListenAddrs()))
		logging.Flush()
		return
	}

	proxyServer, err := server.NewProxyServer(appConfig, table)
	if err != nil {
		logging.Fatalf("Failed to create proxy server: %v", err)
	}

	// Bind failures are fatal at startup: a missing listener would silently
	// strand every route configured for it.
	if err := proxyServer.Start(); err != nil {
		logging.Fatalf("Proxy listener error: %v", err)
	}
	proxyServer.LogRoutesTable()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		proxyServer.Shutdown()
		logging.Flush()
		os.Exit(0)
	}()

	// Metrics endpoint from command line or config file
	metricsAddr := *listenAddress
	metricsPath := *telemetryPath
	if appConfig.Metrics.ListenAddress != "" {
		metricsAddr = appConfig.Metrics.ListenAddress
	}
	if appConfig.Metrics.TelemetryPath != "" {
		metricsPath = appConfig.Metrics.TelemetryPath
	}

	if err := proxyServer.StartMetricsServer(metricsAddr, metricsPath); err != nil {
		logging.Fatalf("Metrics server error: %v", err)
	}
}
