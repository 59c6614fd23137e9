package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Calbabreaker/mycap/internal/config"
	"github.com/Calbabreaker/mycap/internal/device"
	"github.com/Calbabreaker/mycap/internal/event"
	"github.com/Calbabreaker/mycap/internal/metrics"
	"github.com/Calbabreaker/mycap/internal/relay"
	"github.com/Calbabreaker/mycap/internal/serial"
	"github.com/Calbabreaker/mycap/internal/server"
	"github.com/Calbabreaker/mycap/internal/tracker"
)

const (
	serviceName    = "mycap-server"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults used when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
	)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("multicast_group", cfg.Server.MulticastGroup),
		slog.Duration("device_timeout", cfg.Server.GetDeviceTimeout()),
		slog.Duration("loop_period", cfg.Server.GetLoopPeriod()),
		slog.Bool("websocket_enabled", cfg.Websocket.Enabled),
		slog.Bool("serial_enabled", cfg.Serial.Enabled),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Core state: bus, registry, device manager, transport, main loop.
	bus := event.NewBus[tracker.Message]()
	registry := tracker.NewRegistry(bus)
	devices := device.NewManager(registry, cfg.Server.GetDeviceTimeout(), logger)
	udpServer := server.NewUDPServer(&cfg.Server, logger, appMetrics, devices, registry)
	loop := server.NewLoop(registry, devices, bus, udpServer,
		logger, appMetrics, cfg.Server.GetLoopPeriod())

	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer udpServer.Close()

	// Serial write side for device configuration commands.
	serialWriter := serial.NewWriter(nil)
	if cfg.Serial.Enabled {
		writer, err := serial.Open(cfg.Serial.PortPath, cfg.Serial.BaudRate)
		if err != nil {
			logger.Error("Failed to open serial port", slog.String("error", err.Error()))
			os.Exit(1)
		}
		serialWriter = writer
		logger.Info("Serial port opened", slog.String("port", cfg.Serial.PortPath))
	}
	defer serialWriter.Close()

	var wsServer *relay.Server
	if cfg.Websocket.Enabled {
		wsServer = relay.NewServer(cfg.Websocket, loop, serialWriter, logger, appMetrics)
		if err := wsServer.Start(); err != nil {
			logger.Error("Failed to start websocket server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, loop)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		<-loopErr
	case err := <-loopErr:
		if err != nil {
			logger.Error("Main loop failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if wsServer != nil {
		if err := wsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping websocket server", slog.String("error", err.Error()))
		}
	}

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
