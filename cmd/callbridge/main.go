package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/callbridge/internal/aivoice"
	"github.com/sebas/callbridge/internal/api"
	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/bridge"
	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/callcontrol"
	"github.com/sebas/callbridge/internal/config"
	"github.com/sebas/callbridge/internal/logger"
	"github.com/sebas/callbridge/internal/media"
	"github.com/sebas/callbridge/internal/transport"
)

func main() {
	cfg := config.Load()

	logger.SetLevel(cfg.LogLevel)
	logger.InitLogger(os.Stdout)

	if err := cfg.Validate(); err != nil {
		slog.Error("[Main] Invalid configuration", "error", err)
		os.Exit(1)
	}

	banner.Print("Callbridge", []banner.ConfigLine{
		{Label: "HTTP API", Value: cfg.HTTPAddr},
		{Label: "Control daemon", Value: fmt.Sprintf("%s:%d", cfg.ControlHost, cfg.ControlPort)},
		{Label: "SIP domain", Value: cfg.SIPDomain},
		{Label: "Transport", Value: cfg.Transport},
		{Label: "AI endpoint", Value: cfg.AIWSURL},
		{Label: "AI sample rate", Value: fmt.Sprintf("%d Hz", cfg.AIRate)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	control := callcontrol.NewClient(callcontrol.Config{
		Host:           cfg.ControlHost,
		Port:           cfg.ControlPort,
		SIPDomain:      cfg.SIPDomain,
		LineIndex:      cfg.LineIndex,
		CommandTimeout: cfg.CommandTimeout,
	})
	defer control.Disconnect()

	aiFormat := media.FormatAI16k
	if cfg.AIRate == 8000 {
		aiFormat = media.FormatAI8k
	}

	// One bridge per call; the metrics collectors are registered once
	// and follow whichever bridge is current.
	var currentBridge atomic.Pointer[bridge.AudioBridge]
	registry := prometheus.NewRegistry()
	bridge.RegisterCurrent(registry, currentBridge.Load)

	newBridge := func() call.BridgeRunner {
		var tr transport.Transport
		switch cfg.Transport {
		case "rtp":
			tr = transport.NewRTPTransport(transport.RTPConfig{
				ListenAddr: cfg.RTPListen,
				RemoteAddr: cfg.RTPRemote,
				Format:     media.FormatTelephony,
			})
		default:
			tr = transport.NewPipeTransport(transport.PipeConfig{
				InPath:  cfg.PipeIn,
				OutPath: cfg.PipeOut,
				Format:  media.FormatTelephony,
			})
		}
		ai := aivoice.NewClient(aivoice.Config{
			APIKey:       cfg.AIAPIKey,
			AgentID:      cfg.AIAgentID,
			WSURL:        cfg.AIWSURL,
			ProxyURL:     cfg.ProxyURL,
			InputFormat:  aiFormat,
			PingInterval: cfg.PingInterval,
		})
		b := bridge.New(tr, ai, aiFormat)
		currentBridge.Store(b)
		return b
	}

	svc := call.NewService(call.ServiceConfig{
		MonitorTimeout: cfg.MonitorTimeout,
		Monitor: call.MonitorConfig{
			RingTimeout:     cfg.RingTimeout,
			MaxCallDuration: cfg.MaxCallDuration,
			OperatorDetect:  cfg.OperatorDetect,
		},
	}, call.NewMemoryStore(), control, newBridge, call.LogPublisher{})

	server := api.NewServer(cfg.HTTPAddr, svc, registry)
	if err := server.Start(); err != nil {
		slog.Error("[Main] Failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	slog.Info("[Main] Callbridge is running", "http", cfg.HTTPAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("[Main] Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hang up a call in flight before tearing the server down.
	if _, err := svc.EndCall(shutdownCtx, ""); err != nil && !errors.Is(err, call.ErrNotFound) {
		slog.Warn("[Main] Failed to end active call on shutdown", "error", err)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("[Main] HTTP shutdown error", "error", err)
	}

	slog.Info("[Main] Shutdown complete")
}
